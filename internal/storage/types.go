package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process map, lost on exit
//   - "file": JSON snapshot + JSON-lines journal
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// Empty Driver means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// CompactEvery is the number of journal writes between snapshot
	// compactions (file driver only). 0 means 500.
	CompactEvery int
}

// Backend is implemented by each driver.
type Backend interface {
	Get(ctx context.Context, keys []string) (map[string][]byte, error)
	// Apply commits sets and deletes as one unit.
	Apply(ctx context.Context, set map[string][]byte, del []string) error
	Close() error
}

// Change describes the keys touched by one committed write.
type Change struct {
	Keys []string  `json:"keys"`
	At   time.Time `json:"at"`
}
