package transport

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"knowtifd/internal/eventbus"
	"knowtifd/internal/storage"
	logx "knowtifd/pkg/logx"
)

// ConnectionChange is the payload of a connectionChange signal.
type ConnectionChange struct {
	Connected bool `json:"connected"`
}

// Service turns an unreliable network source into a reliable logical event
// stream. It owns the connection state and the reconnect policy; the three
// strategies (stream, relay, poll) share both.
//
// Every physical connection attempt carries a generation token. Late
// callbacks from a superseded connection compare their token against the
// current one and are ignored, so Disconnect/Connect races cannot resurrect
// a dead connection's side effects.
type Service struct {
	log   logx.Logger
	sink  Sink
	bus   eventbus.Bus
	store storage.Store
	httpc *http.Client

	runCtx context.Context

	mu     sync.Mutex
	cfg    Config
	status Status
	gen    uint64
	cancel context.CancelFunc
}

func New(sink Sink, bus eventbus.Bus, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:   log,
		sink:  sink,
		bus:   bus,
		store: store,
		// No global timeout: the stream connection is long-lived by design.
		// Dial-level timeouts come from the default transport.
		httpc:  &http.Client{},
		status: StatusDisconnected,
	}
}

// Start binds the service to its lifetime context. Must be called before
// Connect.
func (s *Service) Start(ctx context.Context) {
	s.runCtx = ctx
}

// Connect validates cfg and launches the configured strategy. It returns
// false, with no side effects, when no topic is configured. Any prior
// connection or pending reconnect is torn down first.
func (s *Service) Connect(cfg Config) bool {
	if strings.TrimSpace(cfg.Topic) == "" {
		s.log.Info("connect skipped: no topic configured")
		return false
	}
	cfg = withConfigDefaults(cfg)

	s.mu.Lock()
	s.teardownLocked()
	s.cfg = cfg
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(s.lifetime())
	s.cancel = cancel
	s.statusLocked(StatusConnecting)
	s.mu.Unlock()

	s.log.Info("connecting",
		logx.String("mode", cfg.Mode),
		logx.String("server", cfg.Server),
		logx.String("topic", cfg.Topic))

	switch cfg.Mode {
	case "poll":
		go s.runPoll(ctx, gen, cfg)
	case "relay":
		go s.runRelay(ctx, gen, cfg)
	default:
		go s.runStream(ctx, gen, cfg)
	}
	return true
}

// Disconnect tears down the active connection and any pending reconnect.
// Always safe to call, connected or not.
func (s *Service) Disconnect() {
	s.mu.Lock()
	s.gen++
	s.teardownLocked()
	changed := s.statusLocked(StatusDisconnected)
	s.mu.Unlock()
	if changed {
		s.log.Info("disconnected")
	}
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Service) Connected() bool { return s.Status() == StatusConnected }

func (s *Service) lifetime() context.Context {
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

// teardownLocked cancels the active strategy goroutine (which also cancels
// any backoff sleep acting as a reconnect timer).
func (s *Service) teardownLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// statusLocked updates the status and reports whether the connected-ness
// flipped; the caller side effects (signal, cached flag) run via emit.
func (s *Service) statusLocked(st Status) bool {
	prev := s.status
	s.status = st
	flipped := (prev == StatusConnected) != (st == StatusConnected)
	if flipped {
		s.emitConnectionChange(st == StatusConnected)
	}
	return prev != st
}

func (s *Service) emitConnectionChange(connected bool) {
	if s.store != nil {
		// Best-effort cache; SetConnected swallows its own write errors.
		_ = s.store.SetConnected(context.Background(), connected)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.SignalConnectionChange,
			Data: ConnectionChange{Connected: connected},
		})
	}
}

// setStatus applies a status change only if gen is still current.
func (s *Service) setStatus(gen uint64, st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.statusLocked(st)
}

func (s *Service) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

// deliver parses one raw JSON record and forwards it when it is an actual
// message. Malformed records are dropped and logged; the loop continues.
func (s *Service) deliver(data []byte) {
	env, err := parseEnvelope(data)
	if err != nil {
		s.log.Warn("dropping malformed event", logx.Err(err))
		return
	}
	if !env.IsMessage() {
		return
	}
	s.sink.HandleInbound(env)
}

// backoff implements the stream-mode reconnect policy:
// attempt n waits base * 2^(n-1); a successful open resets the counter;
// automatic retries stop after maxAttempts.
type backoff struct {
	base        time.Duration
	maxAttempts int
	attempts    int
}

func (b *backoff) reset() { b.attempts = 0 }

// next returns the delay before the next attempt, or false when automatic
// retries are exhausted.
func (b *backoff) next() (time.Duration, bool) {
	b.attempts++
	if b.maxAttempts > 0 && b.attempts > b.maxAttempts {
		return 0, false
	}
	return b.base << (b.attempts - 1), true
}

func withConfigDefaults(cfg Config) Config {
	if cfg.Mode == "" {
		cfg.Mode = "stream"
	}
	if cfg.Server == "" {
		cfg.Server = "https://ntfy.sh"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 6 * time.Second
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	return cfg
}
