// Package dispatch is the single choke point between inbound events and
// everything the user sees. Every event becomes a persisted history entry
// here, exactly once per invocation, before any presentation side effect
// runs.
package dispatch

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"knowtifd/internal/classify"
	"knowtifd/internal/eventbus"
	"knowtifd/internal/storage"
	"knowtifd/internal/surface"
	"knowtifd/internal/transport"
	logx "knowtifd/pkg/logx"
)

// DefaultTitle is used when an inbound event carries no title.
const DefaultTitle = "Knowtif"

// PauseChange is the payload of a pauseChange signal.
type PauseChange struct {
	Paused bool `json:"paused"`
}

// Settings is the presentation slice of the configuration. The dispatcher
// re-reads it on every hot reload via Apply.
type Settings struct {
	AlertsEnabled bool
	AlertDuration time.Duration // 0 disables auto-dismiss
	AlertSound    bool
	AlertsPerSec  float64 // alert-storm ceiling, 0 means unlimited

	TickerEnabled bool
}

// Dispatcher serializes all history mutation. HandleInbound and the user
// actions share one mutex, so two invocations can never interleave their
// read-modify-write against the store.
type Dispatcher struct {
	log    logx.Logger
	store  storage.Store
	bus    eventbus.Bus
	badge  surface.Badge
	alert  surface.Alerter
	ticker surface.Ticker
	opener surface.URLOpener

	mu       sync.Mutex
	settings Settings
	limiter  *rate.Limiter
	seen     *dedupSet
}

type Deps struct {
	Store  storage.Store
	Bus    eventbus.Bus
	Badge  surface.Badge
	Alert  surface.Alerter
	Ticker surface.Ticker
	Opener surface.URLOpener
	Log    logx.Logger
}

func New(d Deps, s Settings) *Dispatcher {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	disp := &Dispatcher{
		log:    log,
		store:  d.Store,
		bus:    d.Bus,
		badge:  d.Badge,
		alert:  d.Alert,
		ticker: d.Ticker,
		opener: d.Opener,
		seen:   newDedupSet(storage.HistoryCap),
	}
	disp.applyLocked(s)
	return disp
}

// Apply swaps the presentation settings. Safe while events are in flight.
func (d *Dispatcher) Apply(s Settings) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applyLocked(s)
}

func (d *Dispatcher) applyLocked(s Settings) {
	d.settings = s
	if s.AlertsPerSec > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(s.AlertsPerSec), int(s.AlertsPerSec)+1)
	} else {
		d.limiter = nil
	}
}

// HandleInbound runs one event through the pipeline: normalize, classify,
// persist, badge, then presentation. Pausing suppresses the ticker and the
// system alert but never the recording.
//
// Events are processed to completion in arrival order; the mutex guarantees
// no two invocations interleave.
func (d *Dispatcher) HandleInbound(ev transport.Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx := context.Background()
	n := d.normalize(ev)

	// Poll mode redelivers batches after a crash between fetch and
	// cursor persist. A bounded id window keeps the replay out of
	// history without pretending exactly-once. Only wire ids can match
	// a replay; generated ids are fresh every delivery.
	if ev.ID != "" && !d.seen.add(n.ID) {
		d.log.Debug("duplicate event dropped", logx.String("id", n.ID))
		return
	}

	if err := d.store.AppendHistory(ctx, n); err != nil {
		d.log.Error("history append failed, event lost", logx.Err(err), logx.String("id", n.ID))
		return
	}
	d.refreshBadge(ctx)

	paused, err := d.store.Paused(ctx)
	if err != nil {
		d.log.Warn("pause flag unreadable, treating as unpaused", logx.Err(err))
	}
	if paused {
		d.publishNotification(n)
		return
	}

	if d.settings.TickerEnabled && d.ticker != nil {
		d.ticker.Broadcast(n)
	}
	if d.settings.AlertsEnabled && d.alert != nil {
		d.raiseAlert(ctx, n)
	}
	d.publishNotification(n)
}

func (d *Dispatcher) normalize(ev transport.Envelope) storage.Notification {
	title := ev.Title
	if title == "" {
		title = DefaultTitle
	}
	url := ev.Click
	if url == "" {
		url = ev.URL
	}
	created := time.Now()
	if ev.Time > 0 {
		created = time.Unix(ev.Time, 0)
	}
	id := ev.ID
	if id == "" {
		id = fallbackID(created)
	}
	return storage.Notification{
		ID:          id,
		Title:       title,
		Message:     ev.Message,
		Category:    classify.Classify(ev.Tags),
		URL:         url,
		SourceTopic: ev.Topic,
		CreatedAt:   created,
	}
}

var fallbackSeq atomic.Uint64

// fallbackID names an event that arrived without a wire id. Two id-less
// events can land within the same millisecond, so a process-wide counter
// keeps the generated ids distinct across the retention window.
func fallbackID(created time.Time) string {
	return strconv.FormatInt(created.UnixMilli(), 10) + "-" + strconv.FormatUint(fallbackSeq.Add(1), 10)
}

func (d *Dispatcher) raiseAlert(ctx context.Context, n storage.Notification) {
	if d.limiter != nil && !d.limiter.Allow() {
		d.log.Warn("alert suppressed by rate limit", logx.String("id", n.ID))
		return
	}
	priority := 1
	if n.Category == classify.Failure {
		priority = 2
	}
	id, err := d.alert.Show(surface.Alert{
		ID:       n.ID,
		Title:    n.Title,
		Message:  n.Message,
		Category: n.Category,
		Priority: priority,
		Sound:    d.settings.AlertSound,
	})
	if err != nil {
		d.log.Warn("alert not shown", logx.Err(err))
		return
	}
	if n.URL != "" {
		if err := d.store.PutAlertURL(ctx, id, n.URL); err != nil {
			d.log.Warn("click-through mapping not persisted", logx.Err(err))
		}
	}
	if dur := d.settings.AlertDuration; dur > 0 {
		// Best-effort: the alert may already be gone when the timer fires.
		time.AfterFunc(dur, func() { d.alert.Dismiss(id) })
	}
}

// ClickThrough handles a user activating a system alert: open the
// remembered URL once, forget the mapping, dismiss the alert. A second
// activation of the same id opens nothing.
func (d *Dispatcher) ClickThrough(ctx context.Context, alertID string) error {
	url, ok, err := d.store.TakeAlertURL(ctx, alertID)
	if err != nil {
		return err
	}
	if ok && url != "" && d.opener != nil {
		if err := d.opener.Open(url); err != nil {
			d.log.Warn("click-through open failed", logx.Err(err), logx.String("url", url))
		}
	}
	if d.alert != nil {
		d.alert.Dismiss(alertID)
	}
	return nil
}

// TestNotification pushes a canned success event through the full inbound
// pipeline.
func (d *Dispatcher) TestNotification() {
	d.HandleInbound(transport.Envelope{
		Event:   "message",
		ID:      "test-" + surface.NewAlertID(),
		Title:   DefaultTitle,
		Message: "Test notification",
		Tags:    transport.TagList{"white_check_mark"},
		Time:    time.Now().Unix(),
	})
}

// MarkRead marks one entry read. Unknown or already-read ids are no-ops.
func (d *Dispatcher) MarkRead(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rewriteHistory(ctx, func(list []storage.Notification) ([]storage.Notification, bool) {
		for i := range list {
			if list[i].ID == id && !list[i].Read {
				list[i].Read = true
				return list, true
			}
		}
		return list, false
	})
}

// MarkAllRead marks every entry read.
func (d *Dispatcher) MarkAllRead(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rewriteHistory(ctx, func(list []storage.Notification) ([]storage.Notification, bool) {
		changed := false
		for i := range list {
			if !list[i].Read {
				list[i].Read = true
				changed = true
			}
		}
		return list, changed
	})
}

// Delete removes one entry by id.
func (d *Dispatcher) Delete(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rewriteHistory(ctx, func(list []storage.Notification) ([]storage.Notification, bool) {
		for i := range list {
			if list[i].ID == id {
				return append(list[:i], list[i+1:]...), true
			}
		}
		return list, false
	})
}

// Clear empties the history.
func (d *Dispatcher) Clear(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rewriteHistory(ctx, func(list []storage.Notification) ([]storage.Notification, bool) {
		return nil, len(list) > 0
	})
}

// rewriteHistory runs one read-modify-write cycle under the dispatcher
// mutex. The badge and the notification signal follow every call, changed
// or not, so an idempotent repeat still refreshes surfaces. Storage errors
// propagate to the caller.
func (d *Dispatcher) rewriteHistory(ctx context.Context, mutate func([]storage.Notification) ([]storage.Notification, bool)) error {
	list, err := d.store.History(ctx)
	if err != nil {
		return err
	}
	next, changed := mutate(list)
	if changed {
		if err := d.store.ReplaceHistory(ctx, next); err != nil {
			return err
		}
	}
	d.refreshBadge(ctx)
	d.publishNotification(storage.Notification{})
	return nil
}

// TogglePause flips the pause flag, persists it, and returns the new state.
// Like the other user actions it recomputes the badge before signalling.
func (d *Dispatcher) TogglePause(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	paused, err := d.store.Paused(ctx)
	if err != nil {
		return false, err
	}
	next := !paused
	if err := d.store.SetPaused(ctx, next); err != nil {
		return false, err
	}
	d.refreshBadge(ctx)
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.SignalPauseChange, Data: PauseChange{Paused: next}})
	}
	return next, nil
}

// Paused reports the current pause flag.
func (d *Dispatcher) Paused(ctx context.Context) (bool, error) {
	return d.store.Paused(ctx)
}

// History returns the persisted entries, newest-first.
func (d *Dispatcher) History(ctx context.Context) ([]storage.Notification, error) {
	return d.store.History(ctx)
}

// refreshBadge recomputes the unread count and pushes it to the badge
// surface. Zero unread clears the badge.
func (d *Dispatcher) refreshBadge(ctx context.Context) {
	if d.badge == nil {
		return
	}
	list, err := d.store.History(ctx)
	if err != nil {
		d.log.Warn("badge not refreshed", logx.Err(err))
		return
	}
	unread := 0
	for _, n := range list {
		if !n.Read {
			unread++
		}
	}
	if unread == 0 {
		d.badge.SetBadge("")
		return
	}
	d.badge.SetBadge(strconv.Itoa(unread))
}

func (d *Dispatcher) publishNotification(n storage.Notification) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.SignalNotification, Data: n})
}
