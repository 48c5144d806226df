package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "knowtifd/pkg/logx"
)

// fileStore keeps the whole state record in memory and rewrites a single
// JSON file via temp-file + rename on every mutation. At a cap of 100
// entries the record is tiny; simplicity beats journaling here.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	state  stateRecord
	closed bool
}

type stateRecord struct {
	History          []Notification    `json:"history"`
	Paused           bool              `json:"paused"`
	Connected        bool              `json:"connected"`
	LastCursor       *int64            `json:"lastCursor,omitempty"`
	PendingAlertURLs map[string]string `json:"pendingAlertUrls,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var rec stateRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		// A corrupt state file should not brick the daemon; start fresh.
		s.log.Warn("state file unreadable; starting empty", logx.String("path", s.path), logx.Err(err))
		return nil
	}
	if len(rec.History) > HistoryCap {
		rec.History = rec.History[:HistoryCap]
	}
	s.state = rec
	return nil
}

// flushLocked writes the current state atomically. Callers hold s.mu.
func (s *fileStore) flushLocked() error {
	b, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fileStore) History(ctx context.Context) ([]Notification, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return append([]Notification(nil), s.state.History...), nil
}

func (s *fileStore) AppendHistory(ctx context.Context, n Notification) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	hist := append([]Notification{n}, s.state.History...)
	if len(hist) > HistoryCap {
		hist = hist[:HistoryCap]
	}
	prev := s.state.History
	s.state.History = hist
	if err := s.flushLocked(); err != nil {
		s.state.History = prev
		return err
	}
	return nil
}

func (s *fileStore) ReplaceHistory(ctx context.Context, ns []Notification) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(ns) > HistoryCap {
		ns = ns[:HistoryCap]
	}
	prev := s.state.History
	s.state.History = append([]Notification(nil), ns...)
	if err := s.flushLocked(); err != nil {
		s.state.History = prev
		return err
	}
	return nil
}

func (s *fileStore) Paused(ctx context.Context) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.state.Paused, nil
}

func (s *fileStore) SetPaused(ctx context.Context, v bool) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev := s.state.Paused
	s.state.Paused = v
	if err := s.flushLocked(); err != nil {
		s.state.Paused = prev
		return err
	}
	return nil
}

func (s *fileStore) Connected(ctx context.Context) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.state.Connected, nil
}

func (s *fileStore) SetConnected(ctx context.Context, v bool) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.state.Connected = v
	// Cached flag only; a failed flush is not worth surfacing.
	if err := s.flushLocked(); err != nil {
		s.log.Debug("connected flag flush failed", logx.Err(err))
	}
	return nil
}

func (s *fileStore) Cursor(ctx context.Context) (int64, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false, ErrClosed
	}
	if s.state.LastCursor == nil {
		return 0, false, nil
	}
	return *s.state.LastCursor, true, nil
}

func (s *fileStore) SetCursor(ctx context.Context, sec int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev := s.state.LastCursor
	s.state.LastCursor = &sec
	if err := s.flushLocked(); err != nil {
		s.state.LastCursor = prev
		return err
	}
	return nil
}

func (s *fileStore) PutAlertURL(ctx context.Context, alertID, url string) error {
	_ = ctx
	if alertID == "" || url == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.state.PendingAlertURLs == nil {
		s.state.PendingAlertURLs = map[string]string{}
	}
	s.state.PendingAlertURLs[alertID] = url
	return s.flushLocked()
}

func (s *fileStore) TakeAlertURL(ctx context.Context, alertID string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	url, ok := s.state.PendingAlertURLs[alertID]
	if !ok {
		return "", false, nil
	}
	delete(s.state.PendingAlertURLs, alertID)
	if err := s.flushLocked(); err != nil {
		s.state.PendingAlertURLs[alertID] = url
		return "", false, err
	}
	return url, true, nil
}
