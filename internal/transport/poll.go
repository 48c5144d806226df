package transport

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/robfig/cron/v3"

	logx "knowtifd/pkg/logx"
)

// runPoll fetches the topic backlog on a fixed interval. Unlike the stream
// strategies there is no backoff: a failed cycle logs and waits for the next
// tick. The very first cycle runs immediately so a fresh connection shows
// results without waiting out the interval.
func (s *Service) runPoll(ctx context.Context, gen uint64, cfg Config) {
	s.pollOnce(ctx, gen, cfg)

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger{s.log}),
	))
	c.Schedule(cron.Every(cfg.PollInterval), cron.FuncJob(func() {
		s.pollOnce(ctx, gen, cfg)
	}))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
}

// pollOnce runs a single fetch cycle: read the cursor, pull everything newer,
// hand each message to the sink, then advance the cursor to the newest
// timestamp seen. The cursor only moves after a fully successful cycle, so a
// failed fetch is retried from the same position.
func (s *Service) pollOnce(ctx context.Context, gen uint64, cfg Config) {
	if ctx.Err() != nil || !s.current(gen) {
		return
	}

	cursor, have, err := s.store.Cursor(ctx)
	if err != nil {
		s.log.Warn("poll skipped: cursor unavailable", logx.Err(err))
		return
	}

	maxSeen, err := s.fetchBatch(ctx, cfg.pollURL(cursor, have))
	if err != nil {
		s.log.Warn("poll cycle failed", logx.Err(err))
		s.setStatus(gen, StatusDisconnected)
		return
	}
	s.setStatus(gen, StatusConnected)

	if maxSeen > 0 && (!have || maxSeen > cursor) {
		if err := s.store.SetCursor(ctx, maxSeen); err != nil {
			s.log.Warn("cursor not persisted", logx.Err(err))
		}
	}
}

// fetchBatch pulls one JSON-lines response and delivers its messages,
// returning the largest event timestamp observed.
func (s *Service) fetchBatch(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("poll endpoint returned %s", resp.Status)
	}

	var maxSeen int64
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		env, err := parseEnvelope([]byte(line))
		if err != nil {
			s.log.Warn("dropping malformed event", logx.Err(err))
			continue
		}
		if env.Time > maxSeen {
			maxSeen = env.Time
		}
		if env.IsMessage() {
			s.sink.HandleInbound(env)
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return maxSeen, nil
}

// cronLogger adapts the structured logger to the scheduler's interface.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug(msg, logx.Any("details", kvMap(kv)))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Warn(msg, logx.Err(err), logx.Any("details", kvMap(kv)))
}

func kvMap(kv []interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		m[key] = kv[i+1]
	}
	return m
}
