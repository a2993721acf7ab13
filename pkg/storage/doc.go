/*
Package storage persists strategies in BoltDB.

The engine owns at most one strategy at a time. It is written to the
strategies bucket after every material change, so a restarted engine
resumes from the last saved cursor. Deleted or finished strategies are
moved to the history bucket and pruned to a fixed depth.

# Layout

	┌──────────────── <data-dir>/vim.db ─────────────────┐
	│                                                     │
	│  strategies   uuid -> StrategyRecord (live)         │
	│  history      uuid -> StrategyRecord (archived)     │
	│  meta         schema_version                        │
	│                                                     │
	└─────────────────────────────────────────────────────┘

A StrategyRecord keeps the kind, state and timestamps beside the strategy's
own JSON encoding in Data, so listings never decode the phases. Records
are listed oldest first by CreatedAt.

# Transactions

Every write is one bbolt Update transaction; a crash leaves either the
previous or the new encoding on disk, never a partial one. ArchiveStrategy
moves a record between buckets in a single transaction.

# Usage

	store, err := storage.NewBoltStore("/var/lib/vim")
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.SaveStrategy(&storage.StrategyRecord{UUID: id, Kind: "fw-update", State: "building", Data: data})
	err = store.ArchiveStrategy(id)
	removed, err := store.PruneHistory(32)

The database takes an exclusive file lock; offline maintenance with
vim-store must run while the engine is stopped.
*/
package storage
