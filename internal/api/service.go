// Package api exposes the local control surface over HTTP: connection
// control, pause, history operations, and a server-sent event relay of the
// change signals. Presentation clients (popup, ticker pages) are plain
// HTTP/SSE consumers of this service.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"knowtifd/internal/config"
	"knowtifd/internal/dispatch"
	"knowtifd/internal/eventbus"
	logx "knowtifd/pkg/logx"
)

// Config controls the HTTP control surface.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// Controller is the connection-control slice the handlers need. The app
// wires it to the transport plus the live settings snapshot.
type Controller interface {
	Connect() bool
	Disconnect()
	Connected() bool
}

// SettingsStore reads and persists the user configuration. Saving runs the
// validator and publishes the new snapshot to every hot-reload subscriber.
type SettingsStore interface {
	Get() config.Settings
	Save(ctx context.Context, s config.Settings) error
}

type Service struct {
	mu       sync.Mutex
	log      logx.Logger
	cfg      Config
	ctrl     Controller
	disp     *dispatch.Dispatcher
	bus      eventbus.Bus
	settings SettingsStore

	ln       net.Listener
	srv      *http.Server
	stopDone chan struct{}
}

func New(cfg Config, ctrl Controller, disp *dispatch.Dispatcher, bus eventbus.Bus, settings SettingsStore, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, ctrl: ctrl, disp: disp, bus: bus, settings: settings, log: log}
}

// Reconfigure applies cfg and starts/stops/restarts the server if needed.
// Safe to call during hot-reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !cfg.Enabled {
		if running {
			s.Stop(ctx)
		}
		return
	}
	if !running {
		s.Start(ctx)
		return
	}
	if prev != cfg {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.srv != nil {
			s.mu.Unlock()
			return
		}
		// A stop may still be draining; wait so we never double listen.
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		cur := s.cfg
		s.mu.Unlock()

		if !cur.Enabled {
			return
		}

		addr := strings.TrimSpace(cur.Addr)
		if addr == "" {
			addr = "127.0.0.1:8377"
		}
		if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
			s.log.Error("api refused to start: non-loopback addr requires token or allow_insecure",
				logx.String("addr", addr))
			return
		}
		if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
			s.log.Warn("api running without token on non-loopback addr (insecure)", logx.String("addr", addr))
		}

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.log.Error("api listen failed", logx.String("addr", addr), logx.Err(err))
			return
		}

		srv := &http.Server{
			Handler:     s.routes(cur.Token),
			ReadTimeout: cur.ReadTimeout,
			IdleTimeout: cur.IdleTimeout,
			// No WriteTimeout: /api/events holds its response open
			// indefinitely by design.
		}

		s.mu.Lock()
		s.ln = ln
		s.srv = srv
		s.mu.Unlock()

		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("api server stopped with error", logx.Err(err))
			}
		}()

		s.log.Info("api started",
			logx.String("addr", ln.Addr().String()),
			logx.Bool("token_set", cur.Token != ""))
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	ln := s.ln
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	go func() {
		defer close(done)
		shutdownCtx := ctx
		if shutdownCtx == nil {
			shutdownCtx = context.Background()
		}
		_ = srv.Shutdown(shutdownCtx)
		_ = srv.Close()
		s.mu.Lock()
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("api stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Addr returns the bound listen address, or "" when not running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
