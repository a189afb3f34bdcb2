// Package users persists the set of user ids that have ever talked to the
// bot. The set is append-only and must survive restarts: it is the
// broadcast recipient list, so reach must never depend on relay outcomes.
package users

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "payrelay/pkg/logx"
)

// Store is the durable user-id set.
//
// AddIfAbsent is idempotent and atomic with respect to concurrent writers:
// adding an existing id is a no-op and never corrupts the persisted set.
type Store interface {
	AddIfAbsent(ctx context.Context, userID int64) error
	ListAll(ctx context.Context) ([]int64, error)

	// Maintain runs backend housekeeping (journal compaction, checkpoint).
	// Safe to call concurrently with normal operations.
	Maintain(ctx context.Context) error

	Close() error
}

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store. An empty driver defaults to "file".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
