package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// SchemaVersion is the on-disk layout version stored in the meta bucket
const SchemaVersion = "1"

// DBFile is the database file name inside the data directory
const DBFile = "vim.db"

var (
	// Bucket names
	bucketStrategies = []byte("strategies")
	bucketHistory    = []byte("history")
	bucketMeta       = []byte("meta")

	keySchemaVersion = []byte("schema_version")
)

// Buckets lists every bucket the store manages
func Buckets() [][]byte {
	return [][]byte{bucketStrategies, bucketHistory, bucketMeta}
}

// BoltStore implements Store on bbolt. Every write is a single bbolt
// transaction, so a strategy on disk is always a complete encoding.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens (or creates) the database in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, DBFile)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range Buckets() {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Get(keySchemaVersion) == nil {
			return meta.Put(keySchemaVersion, []byte(SchemaVersion))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for offline maintenance tools
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

// SaveStrategy upserts a strategy record
func (s *BoltStore) SaveStrategy(rec *StrategyRecord) error {
	if rec.UUID == "" {
		return fmt.Errorf("strategy record has no uuid")
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketStrategies), rec)
	})
}

// GetStrategy returns the active strategy with the given uuid
func (s *BoltStore) GetStrategy(uuid string) (*StrategyRecord, error) {
	return s.get(bucketStrategies, uuid)
}

// ListStrategies returns active strategies ordered by creation time
func (s *BoltStore) ListStrategies() ([]*StrategyRecord, error) {
	return s.list(bucketStrategies)
}

// DeleteStrategy removes an active strategy
func (s *BoltStore) DeleteStrategy(uuid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStrategies)
		if b.Get([]byte(uuid)) == nil {
			return fmt.Errorf("strategy %s: %w", uuid, ErrNotFound)
		}
		return b.Delete([]byte(uuid))
	})
}

// ArchiveStrategy moves an active strategy into the history bucket
func (s *BoltStore) ArchiveStrategy(uuid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		active := tx.Bucket(bucketStrategies)
		data := active.Get([]byte(uuid))
		if data == nil {
			return fmt.Errorf("strategy %s: %w", uuid, ErrNotFound)
		}
		// bbolt values are only valid for the life of the transaction
		if err := tx.Bucket(bucketHistory).Put([]byte(uuid), append([]byte(nil), data...)); err != nil {
			return err
		}
		return active.Delete([]byte(uuid))
	})
}

// GetHistory returns an archived strategy
func (s *BoltStore) GetHistory(uuid string) (*StrategyRecord, error) {
	return s.get(bucketHistory, uuid)
}

// ListHistory returns archived strategies ordered by creation time
func (s *BoltStore) ListHistory() ([]*StrategyRecord, error) {
	return s.list(bucketHistory)
}

// PruneHistory keeps the newest keep archived strategies and returns how
// many were removed
func (s *BoltStore) PruneHistory(keep int) (int, error) {
	records, err := s.ListHistory()
	if err != nil {
		return 0, err
	}
	if len(records) <= keep {
		return 0, nil
	}

	stale := records[:len(records)-keep]
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		for _, rec := range stale {
			if err := b.Delete([]byte(rec.UUID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

func put(b *bolt.Bucket, rec *StrategyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(rec.UUID), data)
}

func (s *BoltStore) get(bucket []byte, uuid string) (*StrategyRecord, error) {
	var rec StrategyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(uuid))
		if data == nil {
			return fmt.Errorf("strategy %s: %w", uuid, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) list(bucket []byte) ([]*StrategyRecord, error) {
	var records []*StrategyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var rec StrategyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode strategy %s: %w", k, err)
			}
			records = append(records, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].UUID < records[j].UUID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}
