package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	logx "knowtifd/pkg/logx"
)

// Relay mode splits the subscription in two: a companion goroutine owns the
// long-lived network connection, the service goroutine owns all state. The
// two communicate only over a channel, so the companion can be killed and
// recreated at any point without shared-memory cleanup.

type relayMsgKind int

const (
	relayOpened relayMsgKind = iota
	relayEvent
	relayClosed
)

type relayMsg struct {
	kind relayMsgKind
	data []byte
	err  error
}

func (s *Service) runRelay(ctx context.Context, gen uint64, cfg Config) {
	bo := backoff{base: cfg.ReconnectBase, maxAttempts: cfg.MaxReconnectAttempts}
	for {
		err := s.relayOnce(ctx, gen, cfg, bo.reset)
		if ctx.Err() != nil {
			return
		}
		s.setStatus(gen, StatusDisconnected)

		delay, ok := bo.next()
		if !ok {
			s.log.Warn("reconnect attempts exhausted, staying disconnected",
				logx.Int("attempts", cfg.MaxReconnectAttempts), logx.Err(err))
			return
		}
		s.log.Warn("relay companion down, recreating",
			logx.Err(err),
			logx.Int("attempt", bo.attempts),
			logx.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if !s.current(gen) {
			return
		}
		s.setStatus(gen, StatusConnecting)
	}
}

// relayOnce spawns one companion and consumes its messages until it reports
// closure. Returning kills the companion via context.
func (s *Service) relayOnce(ctx context.Context, gen uint64, cfg Config, onOpen func()) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan relayMsg, 64)
	go s.companion(cctx, cfg, msgs)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return errors.New("companion exited")
			}
			switch m.kind {
			case relayOpened:
				s.setStatus(gen, StatusConnected)
				s.log.Info("relay open", logx.String("topic", cfg.Topic))
				onOpen()
			case relayEvent:
				s.deliver(m.data)
			case relayClosed:
				return m.err
			}
		}
	}
}

// companion holds the subscription on behalf of the service. It never
// touches service state; everything it learns goes out over the channel.
func (s *Service) companion(ctx context.Context, cfg Config, out chan<- relayMsg) {
	defer close(out)

	send := func(m relayMsg) bool {
		select {
		case <-ctx.Done():
			return false
		case out <- m:
			return true
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.streamURL(), nil)
	if err != nil {
		send(relayMsg{kind: relayClosed, err: err})
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpc.Do(req)
	if err != nil {
		send(relayMsg{kind: relayClosed, err: err})
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		send(relayMsg{kind: relayClosed, err: fmt.Errorf("stream endpoint returned %s", resp.Status)})
		return
	}

	if !send(relayMsg{kind: relayOpened}) {
		return
	}

	err = readSSE(resp.Body, func(f sseFrame) bool {
		switch f.Event {
		case "", "message":
			return send(relayMsg{kind: relayEvent, data: []byte(f.Data)})
		default:
			return ctx.Err() == nil
		}
	})
	if err == nil {
		err = errors.New("server closed the stream")
	}
	send(relayMsg{kind: relayClosed, err: err})
}
