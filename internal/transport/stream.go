package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	logx "knowtifd/pkg/logx"
)

// runStream maintains a persistent SSE subscription, redialing with
// exponential backoff until the attempt budget runs out or the connection
// is torn down.
func (s *Service) runStream(ctx context.Context, gen uint64, cfg Config) {
	bo := backoff{base: cfg.ReconnectBase, maxAttempts: cfg.MaxReconnectAttempts}
	for {
		err := s.streamOnce(ctx, gen, cfg, bo.reset)
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
		s.log.Warn("stream closed, reconnecting",
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

// streamOnce dials the SSE endpoint and pumps frames until the connection
// drops. onOpen runs once the server has accepted the subscription.
func (s *Service) streamOnce(ctx context.Context, gen uint64, cfg Config, onOpen func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.streamURL(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream endpoint returned %s", resp.Status)
	}

	s.setStatus(gen, StatusConnected)
	s.log.Info("stream open", logx.String("topic", cfg.Topic))
	onOpen()

	err = readSSE(resp.Body, func(f sseFrame) bool {
		if ctx.Err() != nil {
			return false
		}
		switch f.Event {
		case "", "message":
			s.deliver([]byte(f.Data))
		case "open", "keepalive":
			// connection bookkeeping frames, nothing to deliver
		default:
			s.log.Debug("ignoring event", logx.String("event", f.Event))
		}
		return true
	})
	if err == nil {
		err = errors.New("server closed the stream")
	}
	return err
}
