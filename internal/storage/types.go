package storage

import (
	"errors"
	"time"

	"knowtifd/internal/classify"
)

// HistoryCap bounds the notification log. Appending beyond the cap evicts
// the oldest entry.
const HistoryCap = 100

var ErrClosed = errors.New("storage closed")

// Config configures the local state store.
//
// Driver values:
//   - "file": single JSON state file, atomic rename on every mutation
//   - "sqlite": SQLite database file
//
// An empty Driver defaults to "file".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Notification is one persisted history entry. Immutable once created,
// except for Read.
//
// Title and Message are untrusted display strings; surfaces must render
// them as plain text, never as markup.
type Notification struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	Category    classify.Category `json:"category"`
	URL         string            `json:"url,omitempty"`
	SourceTopic string            `json:"sourceTopic,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	Read        bool              `json:"read"`
}
