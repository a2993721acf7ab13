package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// StrategyRecord is a persisted strategy. Data holds the strategy's own
// JSON encoding; the other fields are indexed copies for listing.
type StrategyRecord struct {
	UUID      string          `json:"uuid"`
	Kind      string          `json:"kind"`
	State     string          `json:"state"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store persists strategies and the archive of finished ones
type Store interface {
	// Active strategies
	SaveStrategy(rec *StrategyRecord) error
	GetStrategy(uuid string) (*StrategyRecord, error)
	ListStrategies() ([]*StrategyRecord, error)
	DeleteStrategy(uuid string) error

	// History
	ArchiveStrategy(uuid string) error
	GetHistory(uuid string) (*StrategyRecord, error)
	ListHistory() ([]*StrategyRecord, error)
	PruneHistory(keep int) (int, error)

	// Utility
	Close() error
}
