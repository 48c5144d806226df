package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "knowtifd/pkg/logx"
)

// Manager owns the settings file: it parses it strictly, hands out
// defaults-completed snapshots, persists edits, and hot-reloads external
// changes via fsnotify so toggles take effect without a reconnect.
type Manager struct {
	path string

	mu  sync.RWMutex
	cur Settings // defaults applied

	// subsMu guards the subscriber list and ensures we never send on a
	// channel that is concurrently being closed in Unsubscribe().
	subsMu sync.Mutex
	subs   []chan Settings

	log       logx.Logger
	validator func(ctx context.Context, s Settings) error

	// lastHash tracks the last committed file content so editor-triggered
	// duplicate write events don't cause redundant publishes.
	lastHash uint64
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs a validation hook used by Watch() and Save()
// before committing/publishing.
func (m *Manager) SetValidator(fn func(ctx context.Context, s Settings) error) {
	m.validator = fn
}

// Parse reads and strictly decodes the settings file without committing.
// A missing file is not an error: first run starts from pure defaults.
func (m *Manager) Parse() (Settings, error) {
	b, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	jb, err := coerceToJSONBytes(m.path, b)
	if err != nil {
		return Settings{}, err
	}

	var s Settings
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return Settings{}, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Settings{}, fmt.Errorf("invalid settings: trailing data")
		}
		return Settings{}, err
	}
	return s, nil
}

// Load parses and commits the file. Returned settings have defaults applied.
func (m *Manager) Load() (Settings, error) {
	s, err := m.Parse()
	if err != nil {
		return Settings{}, err
	}
	m.commit(s)
	return m.Get(), nil
}

// Get returns the current defaults-completed settings snapshot.
func (m *Manager) Get() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

func (m *Manager) commit(raw Settings) {
	full := raw.WithDefaults()
	m.mu.Lock()
	m.cur = full
	m.lastHash = hashSettings(raw)
	m.mu.Unlock()
}

// Save validates s, persists it to the settings file atomically, commits,
// and publishes to subscribers. This is the settings-form write path.
func (m *Manager) Save(ctx context.Context, s Settings) error {
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, s)
		cancel()
		if err != nil {
			return err
		}
	}

	var (
		b   []byte
		err error
	)
	if isYAMLPath(m.path) {
		// Marshal through JSON tags first so YAML keys match the file format.
		jb, jerr := json.Marshal(s)
		if jerr != nil {
			return jerr
		}
		var v any
		if jerr := json.Unmarshal(jb, &v); jerr != nil {
			return jerr
		}
		b, err = yamlMarshal(v)
	} else {
		b, err = json.MarshalIndent(s, "", "  ")
	}
	if err != nil {
		return err
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return err
	}

	m.commit(s)
	m.publish(m.Get())
	return nil
}

func (m *Manager) Subscribe(buffer int) chan Settings {
	ch := make(chan Settings, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan Settings) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			// swap-remove (order doesn't matter)
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(s Settings) {
	// Hold subsMu while sending to avoid send-on-closed panics.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		// Always try to deliver the latest snapshot. If the subscriber is
		// slow and its buffer is full, drop the oldest item then push.
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
				if !m.log.IsZero() {
					m.log.Debug("settings update dropped (subscriber slow)")
				}
			}
		}
	}
}

// Watch hot-reloads the settings file until ctx is canceled. The watcher
// self-heals with jittered backoff when the fsnotify backend breaks.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	// debounce to avoid reacting to partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			raw, err := m.Parse()
			if err != nil {
				if !m.log.IsZero() {
					m.log.Warn("settings parse failed", logx.String("path", m.path), logx.Err(err))
				}
				return
			}

			// Skip redundant reloads when content is unchanged.
			h := hashSettings(raw)
			m.mu.RLock()
			unchanged := h != 0 && h == m.lastHash
			m.mu.RUnlock()
			if unchanged {
				return
			}

			// validate before commit/publish (transactional)
			if m.validator != nil {
				vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := m.validator(vctx, raw)
				cancel()
				if err != nil {
					if !m.log.IsZero() {
						m.log.Warn("settings rejected", logx.String("path", m.path), logx.Err(err))
					}
					return
				}
			}

			m.commit(raw)
			m.publish(m.Get())
			if !m.log.IsZero() {
				m.log.Debug("settings published", logx.String("path", m.path))
			}
		})
	}

	wait := func() time.Duration {
		w := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return w
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			err = w.Add(dir)
			if err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			if !m.log.IsZero() {
				m.log.Warn("settings watch init failed", logx.Err(err), logx.String("dir", dir))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait()):
				continue
			}
		}

		// success; reset backoff so transient issues don't cause long delays
		backoff = restartBackoffBase

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				// Compare by basename (robust across absolute/relative paths).
				if strings.EqualFold(filepath.Base(ev.Name), file) {
					if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
						debounce()
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means we may have missed events; reload once and keep going.
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					debounce()
					continue
				}
				if !m.log.IsZero() {
					m.log.Warn("settings watch error", logx.Err(err), logx.String("dir", dir))
				}
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
					break
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait()):
		}
	}
}

func hashSettings(s Settings) uint64 {
	b, err := json.Marshal(s)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
