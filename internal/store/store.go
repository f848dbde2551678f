// Package store persists crawl snapshots so a restarted crawl resumes with its
// aggregate history.
package store

import (
	"fmt"
	"strings"

	"github.com/okpulse/crawlstats/internal/core"
)

// Store is a durable home for the latest snapshot. Persist must be atomic:
// a concurrent or later Restore sees either the previous snapshot or the new
// one, never a mix.
type Store interface {
	Persist(s core.Snapshot) error
	// Restore returns nil, nil when nothing has been persisted yet.
	Restore() (*core.Snapshot, error)
	Close() error
}

const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// Open returns the store for driver at path.
func Open(driver, path string) (Store, error) {
	switch strings.ToLower(driver) {
	case DriverFile, "":
		return NewFileStore(path)
	case DriverSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
