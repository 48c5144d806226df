package app

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"knowtifd/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*config.Settings)
		wantErr bool
	}{
		{"defaults", func(*config.Settings) {}, false},
		{"poll mode", func(s *config.Settings) { s.Subscription.Mode = "poll" }, false},
		{"unknown mode", func(s *config.Settings) { s.Subscription.Mode = "carrier-pigeon" }, true},
		{"unknown driver", func(s *config.Settings) { s.Storage.Driver = "postgres" }, true},
		{"bad duration", func(s *config.Settings) { s.Subscription.PollInterval = "fast" }, true},
		{"negative attempts", func(s *config.Settings) { s.Subscription.MaxReconnectAttempts = -1 }, true},
		{"sqlite driver", func(s *config.Settings) { s.Storage.Driver = "sqlite" }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := config.Defaults()
			tc.mutate(&s)
			err := Validate(s)
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestConnectionAffecting(t *testing.T) {
	t.Parallel()

	base := config.Defaults()
	base.Topic = "builds"

	same := base
	if connectionAffecting(base, same) {
		t.Error("identical settings flagged as connection-affecting")
	}

	topic := base
	topic.Topic = "deploys"
	if !connectionAffecting(base, topic) {
		t.Error("topic change not flagged")
	}

	mode := base
	mode.Subscription.Mode = "poll"
	if !connectionAffecting(base, mode) {
		t.Error("mode change not flagged")
	}

	cosmetic := base
	cosmetic.Ticker.Height = 64
	if connectionAffecting(base, cosmetic) {
		t.Error("cosmetic change flagged as connection-affecting")
	}
}

func TestSettingsConversions(t *testing.T) {
	t.Parallel()

	s := config.Defaults()
	s.Topic = "builds"

	tc := transportConfig(s)
	if tc.Topic != "builds" || tc.Mode != "stream" {
		t.Errorf("transport config = %+v", tc)
	}
	if tc.PollInterval != 6*time.Second || tc.ReconnectBase != time.Second || tc.MaxReconnectAttempts != 10 {
		t.Errorf("transport timing defaults = %+v", tc)
	}

	ds := dispatchSettings(s)
	if !ds.AlertsEnabled || !ds.TickerEnabled || ds.AlertDuration != 5*time.Second || ds.AlertsPerSec != 2 {
		t.Errorf("dispatch settings = %+v", ds)
	}

	ac := apiConfig(s.API)
	if !ac.Enabled || ac.Addr != "127.0.0.1:8377" {
		t.Errorf("api config = %+v", ac)
	}
}

func TestRunStartsAndStops(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	cfg := `{
  "topic": "builds",
  "auto_connect": false,
  "api": {"addr": "127.0.0.1:0"},
  "logging": {"console": false},
  "storage": {"path": ` + strconv.Quote(filepath.Join(dir, "state.json")) + `}
}`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(cfgPath).Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
