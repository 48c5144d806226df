package storage

import (
	"context"
	"errors"
	"strings"

	logx "knowtifd/pkg/logx"
)

// Store is the local-scope state record: the bounded notification history
// plus the handful of process flags that survive a restart.
//
// Every mutation is atomic with respect to concurrent readers: no caller
// ever observes a torn intermediate state.
type Store interface {
	// History returns all entries, newest-first.
	History(ctx context.Context) ([]Notification, error)
	// AppendHistory prepends n and evicts the oldest entry beyond HistoryCap.
	AppendHistory(ctx context.Context, n Notification) error
	// ReplaceHistory swaps the whole log (bulk operations: mark-all-read,
	// delete, clear). The given order is preserved as-is.
	ReplaceHistory(ctx context.Context, ns []Notification) error

	Paused(ctx context.Context) (bool, error)
	SetPaused(ctx context.Context, v bool) error

	// Connected is a best-effort cached flag, not authoritative state.
	Connected(ctx context.Context) (bool, error)
	SetConnected(ctx context.Context, v bool) error

	// Cursor is the last-seen event timestamp for poll mode (unix seconds).
	Cursor(ctx context.Context) (sec int64, ok bool, err error)
	SetCursor(ctx context.Context, sec int64) error

	// PutAlertURL remembers the click-through target for a live system alert.
	// TakeAlertURL resolves and deletes it (one-shot).
	PutAlertURL(ctx context.Context, alertID, url string) error
	TakeAlertURL(ctx context.Context, alertID string) (url string, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
