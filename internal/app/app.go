// Package app assembles the daemon: configuration, storage, transport,
// dispatcher and the HTTP surface, plus the hot-reload plumbing between
// them.
package app

import (
	"context"
	"fmt"
	"time"

	"knowtifd/internal/api"
	"knowtifd/internal/config"
	"knowtifd/internal/dispatch"
	"knowtifd/internal/eventbus"
	"knowtifd/internal/runtime/supervisor"
	"knowtifd/internal/storage"
	"knowtifd/internal/surface"
	"knowtifd/internal/transport"
	logx "knowtifd/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store storage.Store
	bus   eventbus.Bus
	disp  *dispatch.Dispatcher
	trans *transport.Service
	api   *api.Service
	sup   *supervisor.Supervisor
}

func New(configPath string) *App {
	return &App{cfgMgr: config.NewManager(configPath)}
}

// Run brings the daemon up and blocks until ctx is cancelled. Returns the
// startup error if assembly fails; a clean shutdown returns nil.
func (a *App) Run(ctx context.Context) error {
	settings, err := a.cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a.logSvc, a.log = logx.New(loggingConfig(settings.Logging))
	defer a.logSvc.Close()
	a.cfgMgr.SetLogger(a.log.With(logx.String("svc", "config")))
	a.cfgMgr.SetValidator(func(_ context.Context, s config.Settings) error {
		return Validate(s)
	})

	a.store, err = storage.Open(storageConfig(settings.Storage), a.log.With(logx.String("svc", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer a.store.Close()

	a.bus = eventbus.New()
	a.disp = dispatch.New(dispatch.Deps{
		Store:  a.store,
		Bus:    a.bus,
		Badge:  surface.LogBadge{Log: a.log.With(logx.String("svc", "badge"))},
		Alert:  surface.LogAlerter{Log: a.log.With(logx.String("svc", "alert"))},
		Ticker: surface.NewFanoutTicker(),
		Opener: surface.ExecOpener{},
		Log:    a.log.With(logx.String("svc", "dispatch")),
	}, dispatchSettings(settings))

	a.trans = transport.New(a.disp, a.bus, a.store, a.log.With(logx.String("svc", "transport")))

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("svc", "supervisor"))))
	a.trans.Start(a.sup.Context())

	a.api = api.New(apiConfig(settings.API), appController{a}, a.disp, a.bus, a.cfgMgr, a.log.With(logx.String("svc", "api")))
	a.api.Start(a.sup.Context())

	a.sup.GoRestart("config-watch", a.cfgMgr.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	changes := a.cfgMgr.Subscribe(4)
	a.sup.Go0("config-apply", func(ctx context.Context) {
		prev := settings
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-changes:
				if !ok {
					return
				}
				a.applySettings(ctx, prev, next)
				prev = next
			}
		}
	})

	if boolVal(settings.AutoConnect, true) {
		a.trans.Connect(transportConfig(settings))
	}

	a.log.Info("knowtifd up",
		logx.String("topic", settings.Topic),
		logx.String("mode", settings.Subscription.Mode),
		logx.Bool("auto_connect", boolVal(settings.AutoConnect, true)))

	<-ctx.Done()
	a.cfgMgr.Unsubscribe(changes)
	a.shutdown()
	return nil
}

func (a *App) shutdown() {
	a.log.Info("shutting down")
	a.trans.Disconnect()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.api.Stop(stopCtx)
	_ = a.sup.Stop(stopCtx)
}

// applySettings pushes a reloaded configuration into the running services.
// Connection-affecting changes restart the subscription; the rest apply in
// place. A storage driver change cannot apply live.
func (a *App) applySettings(ctx context.Context, prev, next config.Settings) {
	a.logSvc.Apply(loggingConfig(next.Logging))
	a.disp.Apply(dispatchSettings(next))
	a.api.Reconfigure(ctx, apiConfig(next.API))

	if prev.Storage != next.Storage {
		a.log.Warn("storage settings changed; restart required to take effect")
	}

	if connectionAffecting(prev, next) {
		if next.Topic == "" {
			a.trans.Disconnect()
			return
		}
		if a.trans.Status() != transport.StatusDisconnected || boolVal(next.AutoConnect, true) {
			a.trans.Connect(transportConfig(next))
		}
	}
}

func connectionAffecting(a, b config.Settings) bool {
	return a.Topic != b.Topic ||
		a.Server != b.Server ||
		a.Subscription != b.Subscription
}

// appController adapts the app to the API's connection-control interface.
type appController struct {
	a *App
}

func (c appController) Connect() bool {
	return c.a.trans.Connect(transportConfig(c.a.cfgMgr.Get()))
}

func (c appController) Disconnect() { c.a.trans.Disconnect() }

func (c appController) Connected() bool { return c.a.trans.Connected() }

// Validate rejects a settings record before it is committed or hot-applied.
func Validate(s config.Settings) error {
	s = s.WithDefaults()

	switch s.Subscription.Mode {
	case "stream", "relay", "poll":
	default:
		return fmt.Errorf("subscription.mode: unknown mode %q", s.Subscription.Mode)
	}
	switch s.Storage.Driver {
	case "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", s.Storage.Driver)
	}

	if _, err := config.ParseDurationField("subscription.poll_interval", s.Subscription.PollInterval); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("subscription.reconnect_base", s.Subscription.ReconnectBase); err != nil {
		return err
	}
	if s.Subscription.MaxReconnectAttempts < 0 {
		return fmt.Errorf("subscription.max_reconnect_attempts: must not be negative")
	}
	if _, err := config.ParseDurationField("popup.duration", s.Popup.Duration); err != nil {
		return err
	}
	if _, err := config.ParseDurationOrDefault("api.read_timeout", s.API.ReadTimeout, 0); err != nil {
		return err
	}
	if _, err := config.ParseDurationOrDefault("api.idle_timeout", s.API.IdleTimeout, 0); err != nil {
		return err
	}
	if _, err := config.ParseDurationOrDefault("storage.busy_timeout", s.Storage.BusyTimeout, 0); err != nil {
		return err
	}
	return nil
}

func boolVal(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func loggingConfig(s config.LoggingSettings) logx.Config {
	return logx.Config{
		Level:   s.Level,
		Console: boolVal(s.Console, true),
		File: logx.FileConfig{
			Enabled: s.File.Enabled,
			Path:    s.File.Path,
		},
	}
}

func storageConfig(s config.StorageSettings) storage.Config {
	busy, _ := config.ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, 0)
	return storage.Config{
		Driver:      s.Driver,
		Path:        s.Path,
		BusyTimeout: busy,
	}
}

func transportConfig(s config.Settings) transport.Config {
	poll, _ := config.ParseDurationOrDefault("subscription.poll_interval", s.Subscription.PollInterval, 6*time.Second)
	base, _ := config.ParseDurationOrDefault("subscription.reconnect_base", s.Subscription.ReconnectBase, time.Second)
	return transport.Config{
		Mode:                 s.Subscription.Mode,
		Server:               s.Server,
		Topic:                s.Topic,
		PollInterval:         poll,
		ReconnectBase:        base,
		MaxReconnectAttempts: s.Subscription.MaxReconnectAttempts,
	}
}

func dispatchSettings(s config.Settings) dispatch.Settings {
	// "0s" is a valid value here: it turns auto-dismiss off. Defaults-merge
	// already filled in "5s" for an absent field.
	dur, _ := config.ParseDurationField("popup.duration", s.Popup.Duration)
	return dispatch.Settings{
		AlertsEnabled: boolVal(s.Popup.Enabled, true),
		AlertDuration: dur,
		AlertSound:    boolVal(s.Popup.Sound, true),
		AlertsPerSec:  float64(s.Popup.RatePerSec),
		TickerEnabled: boolVal(s.Ticker.Enabled, true),
	}
}

func apiConfig(s config.APISettings) api.Config {
	read, _ := config.ParseDurationOrDefault("api.read_timeout", s.ReadTimeout, 5*time.Second)
	idle, _ := config.ParseDurationOrDefault("api.idle_timeout", s.IdleTimeout, time.Minute)
	return api.Config{
		Enabled:     boolVal(s.Enabled, true),
		Addr:        s.Addr,
		Token:       s.Token,
		ReadTimeout: read,
		IdleTimeout: idle,
	}
}
