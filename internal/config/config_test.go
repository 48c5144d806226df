package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsComplete(t *testing.T) {
	t.Parallel()
	s := Settings{}.WithDefaults()

	if s.Server != "https://ntfy.sh" {
		t.Fatalf("server default = %q", s.Server)
	}
	if s.AutoConnect == nil || !*s.AutoConnect {
		t.Fatal("auto_connect must default to true")
	}
	if s.Subscription.Mode != "stream" {
		t.Fatalf("subscription.mode default = %q", s.Subscription.Mode)
	}
	if s.Subscription.MaxReconnectAttempts != 10 {
		t.Fatalf("max_reconnect_attempts default = %d", s.Subscription.MaxReconnectAttempts)
	}
	if s.Popup.Enabled == nil || s.Popup.Sound == nil || s.Ticker.Enabled == nil {
		t.Fatal("nested enabled flags must be resolved")
	}
	if s.Popup.Duration != "5s" {
		t.Fatalf("popup.duration default = %q", s.Popup.Duration)
	}
	if s.Ticker.Height != 32 || s.Ticker.Position != "top" {
		t.Fatalf("ticker defaults not applied: %+v", s.Ticker)
	}
	if s.CategoryColors.Failure.Background == "" {
		t.Fatal("category colors must be complete")
	}
}

func TestPartialFileMergesPerNestedGroup(t *testing.T) {
	t.Parallel()
	// Setting one ticker field must not wipe its siblings.
	s := Settings{
		Topic:  "builds",
		Ticker: TickerSettings{Height: 48},
	}.WithDefaults()

	if s.Ticker.Height != 48 {
		t.Fatalf("explicit height lost: %d", s.Ticker.Height)
	}
	if s.Ticker.Speed != 80 || s.Ticker.BackgroundColor == "" {
		t.Fatalf("sibling ticker fields blanked: %+v", s.Ticker)
	}
	if s.Topic != "builds" {
		t.Fatalf("topic lost: %q", s.Topic)
	}
}

func TestExplicitFalseSurvivesMerge(t *testing.T) {
	t.Parallel()
	f := false
	s := Settings{Popup: PopupSettings{Enabled: &f}}.WithDefaults()
	if *s.Popup.Enabled {
		t.Fatal("explicit popup.enabled=false was overwritten by default")
	}
}

func TestManagerStrictDecode(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	if err := os.WriteFile(path, []byte(`{"topic":"t1","no_such_field":1}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown field must be rejected")
	}
}

func TestManagerYAMLRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	body := "topic: builds\nsubscription:\n  mode: poll\n  poll_interval: 10s\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewManager(path)
	s, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Topic != "builds" || s.Subscription.Mode != "poll" || s.Subscription.PollInterval != "10s" {
		t.Fatalf("unexpected settings: %+v", s)
	}
	// Untouched groups still resolve to defaults.
	if s.Popup.Duration != "5s" {
		t.Fatalf("popup defaults missing: %+v", s.Popup)
	}
}

func TestManagerMissingFileIsDefaults(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join(t.TempDir(), "absent.json"))
	s, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Server != "https://ntfy.sh" || s.Topic != "" {
		t.Fatalf("unexpected first-run settings: %+v", s)
	}
}

func TestManagerSavePublishes(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join(t.TempDir(), "settings.json"))
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	s := m.Get()
	s.Topic = "deploys"
	if err := m.Save(context.Background(), s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	select {
	case got := <-ch:
		if got.Topic != "deploys" {
			t.Fatalf("published topic = %q", got.Topic)
		}
	default:
		t.Fatal("expected a published settings snapshot")
	}

	// A fresh manager over the same file sees the saved value.
	m2 := NewManager(m.path)
	s2, err := m2.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if s2.Topic != "deploys" {
		t.Fatalf("persisted topic = %q", s2.Topic)
	}
}

func TestManagerSaveRejectedByValidator(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join(t.TempDir(), "settings.json"))
	m.SetValidator(func(ctx context.Context, s Settings) error {
		return os.ErrInvalid
	})
	if err := m.Save(context.Background(), Settings{Topic: "x"}); err == nil {
		t.Fatal("validator rejection must fail the save")
	}
}
