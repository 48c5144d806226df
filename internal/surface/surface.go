// Package surface defines the presentation boundary: the side-effect
// collaborators (badge, system alerts, ticker, URL opening) the dispatcher
// drives. All implementations must tolerate an absent audience; showing
// something to nobody is a no-op, never an error.
package surface

import (
	"crypto/rand"
	"encoding/hex"
	"os/exec"
	"strings"
	"sync"
	"time"

	"knowtifd/internal/classify"
	"knowtifd/internal/storage"
	logx "knowtifd/pkg/logx"
)

// Alert is one system-level notification request.
type Alert struct {
	ID       string
	Title    string
	Message  string
	Category classify.Category
	// Priority is 2 for failure alerts, 1 otherwise.
	Priority int
	Sound    bool
}

// Badge shows the unread count. Empty text clears the badge entirely.
type Badge interface {
	SetBadge(text string)
}

// Alerter raises and dismisses system alerts. Show returns the alert id
// used for click-through and dismissal.
type Alerter interface {
	Show(a Alert) (id string, err error)
	// Dismiss is best-effort; dismissing an alert that is already gone
	// is not an error.
	Dismiss(id string)
}

// Ticker receives notifications for scrolling display. Broadcast is
// fire-and-forget across however many display targets are registered.
type Ticker interface {
	Broadcast(n storage.Notification)
}

// URLOpener opens a click-through target in the user's browser.
type URLOpener interface {
	Open(url string) error
}

// LogBadge renders the badge into the log stream. The default surface for
// a headless deployment; the HTTP API carries the real value to clients.
type LogBadge struct {
	Log logx.Logger
}

func (b LogBadge) SetBadge(text string) {
	if text == "" {
		b.Log.Debug("badge cleared")
		return
	}
	b.Log.Debug("badge updated", logx.String("text", text))
}

// LogAlerter satisfies Alerter by logging. Alert ids are random so
// click-through bookkeeping behaves the same as with a real alerter.
type LogAlerter struct {
	Log logx.Logger
}

func (a LogAlerter) Show(al Alert) (string, error) {
	id := al.ID
	if id == "" {
		id = NewAlertID()
	}
	a.Log.Info("alert",
		logx.String("id", id),
		logx.String("title", al.Title),
		logx.String("category", string(al.Category)),
		logx.Int("priority", al.Priority))
	return id, nil
}

func (a LogAlerter) Dismiss(id string) {
	a.Log.Debug("alert dismissed", logx.String("id", id))
}

// NewAlertID returns a random alert identifier.
func NewAlertID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(b[:])
}

// ExecOpener opens URLs through the desktop's URL handler.
type ExecOpener struct {
	// Command defaults to xdg-open.
	Command string
}

func (o ExecOpener) Open(url string) error {
	cmd := o.Command
	if cmd == "" {
		cmd = "xdg-open"
	}
	return exec.Command(cmd, url).Start()
}

// NopOpener discards open requests. Used when click-through targets should
// never leave the process, e.g. in tests.
type NopOpener struct{}

func (NopOpener) Open(string) error { return nil }

// FanoutTicker relays notifications to registered display targets.
// Targets register with the URL they render into; targets on privileged
// schemes never receive broadcasts.
type FanoutTicker struct {
	mu      sync.Mutex
	targets map[string]tickerTarget
}

type tickerTarget struct {
	url string
	fn  func(storage.Notification)
}

func NewFanoutTicker() *FanoutTicker {
	return &FanoutTicker{targets: make(map[string]tickerTarget)}
}

// Register adds a display target. The returned func removes it again.
// Targets on privileged schemes are accepted but never broadcast to.
func (t *FanoutTicker) Register(id, url string, fn func(storage.Notification)) func() {
	t.mu.Lock()
	t.targets[id] = tickerTarget{url: url, fn: fn}
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.targets, id)
		t.mu.Unlock()
	}
}

func (t *FanoutTicker) Broadcast(n storage.Notification) {
	t.mu.Lock()
	fns := make([]func(storage.Notification), 0, len(t.targets))
	for _, tgt := range t.targets {
		if PrivilegedURL(tgt.url) {
			continue
		}
		fns = append(fns, tgt.fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
}

// PrivilegedURL reports whether a display target URL points at an
// internal or browser-reserved surface that must not receive broadcasts.
func PrivilegedURL(url string) bool {
	for _, scheme := range []string{"chrome://", "chrome-extension://", "about:", "edge://", "devtools://", "internal://"} {
		if strings.HasPrefix(url, scheme) {
			return true
		}
	}
	return false
}
