package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/cuemby/vim/pkg/storage"
	bolt "go.etcd.io/bbolt"
)

var (
	dataDir = flag.String("data-dir", "/var/lib/vim", "Engine data directory")
	output  = flag.String("o", "", "Backup destination (default: <data-dir>/vim.db.backup)")
	bucket  = flag.String("bucket", "", "Restrict dump or clear to one bucket")
	dryRun  = flag.Bool("dry-run", false, "Show what clear would remove without making changes")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: vim-store [flags] <command>

Offline maintenance of the engine database. Stop the engine first.

Commands:
  backup   copy the database to a consistent snapshot
  dump     print every record as JSON
  clear    remove the live strategy and history (meta is kept)

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	dbPath := filepath.Join(*dataDir, storage.DBFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	store, err := storage.NewBoltStore(*dataDir)
	if err != nil {
		log.Fatalf("Failed to open database (is the engine running?): %v", err)
	}
	defer store.Close()
	db := store.DB()

	switch cmd := flag.Arg(0); cmd {
	case "backup":
		dst := *output
		if dst == "" {
			dst = dbPath + ".backup"
		}
		n, err := backup(db, dst)
		if err != nil {
			log.Fatalf("Backup failed: %v", err)
		}
		log.Printf("✓ Backup written to %s (%d bytes)", dst, n)
	case "dump":
		if err := dump(db, *bucket, os.Stdout); err != nil {
			log.Fatalf("Dump failed: %v", err)
		}
	case "clear":
		removed, err := clearBuckets(db, *bucket, *dryRun)
		if err != nil {
			log.Fatalf("Clear failed: %v", err)
		}
		if *dryRun {
			log.Printf("[DRY RUN] Would remove %d records", removed)
		} else {
			log.Printf("✓ Removed %d records", removed)
		}
	default:
		log.Printf("Unknown command %q", cmd)
		usage()
		os.Exit(2)
	}
}

// backup writes a snapshot taken inside one read transaction
func backup(db *bolt.DB, dst string) (int64, error) {
	var n int64
	err := db.View(func(tx *bolt.Tx) error {
		n = tx.Size()
		return tx.CopyFile(dst, 0600)
	})
	return n, err
}

type dumpRecord struct {
	Bucket string          `json:"bucket"`
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value"`
}

func selected(name string) ([][]byte, error) {
	if name == "" {
		return storage.Buckets(), nil
	}
	for _, b := range storage.Buckets() {
		if string(b) == name {
			return [][]byte{b}, nil
		}
	}
	return nil, fmt.Errorf("unknown bucket %q", name)
}

// dump writes one JSON object per line. Values that are not JSON are
// written as strings.
func dump(db *bolt.DB, name string, w io.Writer) error {
	buckets, err := selected(name)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	return db.View(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			b := tx.Bucket(name)
			if b == nil {
				continue
			}
			err := b.ForEach(func(k, v []byte) error {
				value := json.RawMessage(v)
				if !json.Valid(v) {
					value, _ = json.Marshal(string(v))
				}
				return enc.Encode(dumpRecord{Bucket: string(name), Key: string(k), Value: value})
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// clearBuckets empties the strategy buckets and returns the number of
// records removed. The meta bucket is never cleared.
func clearBuckets(db *bolt.DB, name string, dryRun bool) (int, error) {
	buckets, err := selected(name)
	if err != nil {
		return 0, err
	}
	removed := 0
	fn := func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if string(name) == "meta" {
				continue
			}
			b := tx.Bucket(name)
			if b == nil {
				continue
			}
			var keys [][]byte
			if err := b.ForEach(func(k, _ []byte) error {
				keys = append(keys, append([]byte(nil), k...))
				return nil
			}); err != nil {
				return err
			}
			for _, k := range keys {
				if dryRun {
					log.Printf("[DRY RUN] %s/%s", name, k)
					continue
				}
				if err := b.Delete(k); err != nil {
					return fmt.Errorf("failed to delete %s/%s: %w", name, k, err)
				}
			}
			removed += len(keys)
		}
		return nil
	}
	if dryRun {
		err = db.View(fn)
	} else {
		err = db.Update(fn)
	}
	return removed, err
}
