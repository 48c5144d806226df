package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"knowtifd/internal/storage"
	logx "knowtifd/pkg/logx"
)

type recordSink struct {
	mu  sync.Mutex
	got []Envelope
}

func (r *recordSink) HandleInbound(ev Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
}

func (r *recordSink) envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.got))
	copy(out, r.got)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()

	bo := backoff{base: time.Second, maxAttempts: 4}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		d, ok := bo.next()
		if !ok {
			t.Fatalf("attempt %d: budget exhausted early", i+1)
		}
		if d != w {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, d, w)
		}
	}
	if _, ok := bo.next(); ok {
		t.Error("expected exhaustion after max attempts")
	}

	bo.reset()
	if d, ok := bo.next(); !ok || d != time.Second {
		t.Errorf("after reset: delay = %v, ok = %v, want 1s delivered", d, ok)
	}
}

func TestTagListDecode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"array", `["Rocket"," x "]`, []string{"rocket", "x"}},
		{"comma string", `"warning, fire"`, []string{"warning", "fire"}},
		{"single string", `"tada"`, []string{"tada"}},
		{"null", `null`, nil},
		{"empty array", `[]`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var tl TagList
			if err := json.Unmarshal([]byte(tc.in), &tl); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(tl) != len(tc.want) {
				t.Fatalf("got %v, want %v", []string(tl), tc.want)
			}
			for i := range tl {
				if tl[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", []string(tl), tc.want)
				}
			}
		})
	}
}

func TestPollURL(t *testing.T) {
	t.Parallel()

	cfg := Config{Server: "https://ntfy.sh/", Topic: "alerts"}
	if got := cfg.pollURL(0, false); got != "https://ntfy.sh/alerts/json?poll=1" {
		t.Errorf("first fetch url = %q", got)
	}
	if got := cfg.pollURL(1700000000, true); got != "https://ntfy.sh/alerts/json?since=1700000000" {
		t.Errorf("cursor fetch url = %q", got)
	}
	if got := cfg.streamURL(); got != "https://ntfy.sh/alerts/sse" {
		t.Errorf("stream url = %q", got)
	}
}

func TestReadSSEFrames(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		": server comment",
		"event: open",
		`data: {"event":"open"}`,
		"",
		`data: {"event":"message","id":"a"}`,
		"",
		"data: first",
		"data: second",
		"",
	}, "\n")

	var frames []sseFrame
	err := readSSE(strings.NewReader(input), func(f sseFrame) bool {
		frames = append(frames, f)
		return true
	})
	if err != nil {
		t.Fatalf("readSSE: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if frames[0].Event != "open" {
		t.Errorf("frame 0 event = %q", frames[0].Event)
	}
	if frames[1].Event != "" || frames[1].Data != `{"event":"message","id":"a"}` {
		t.Errorf("frame 1 = %+v", frames[1])
	}
	if frames[2].Data != "first\nsecond" {
		t.Errorf("multi-line data = %q", frames[2].Data)
	}
}

func TestConnectRequiresTopic(t *testing.T) {
	t.Parallel()

	s := New(&recordSink{}, nil, nil, logx.Nop())
	s.Start(context.Background())
	if s.Connect(Config{Server: "https://ntfy.sh", Topic: "  "}) {
		t.Error("Connect succeeded without a topic")
	}
	if got := s.Status(); got != StatusDisconnected {
		t.Errorf("status = %v after rejected connect", got)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	t.Parallel()

	s := New(&recordSink{}, nil, nil, logx.Nop())
	s.Start(context.Background())
	s.Disconnect()
	s.Disconnect()
	if got := s.Status(); got != StatusDisconnected {
		t.Errorf("status = %v", got)
	}
}

func TestStreamDeliversMessages(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if dials.Add(1) > 1 {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		if r.URL.Path != "/alerts/sse" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: open\ndata: {\"event\":\"open\"}\n\n")
		fmt.Fprint(w, "data: {\"event\":\"message\",\"id\":\"m1\",\"title\":\"Deploy\",\"message\":\"done\",\"tags\":[\"rocket\"],\"topic\":\"alerts\",\"time\":100}\n\n")
		fmt.Fprint(w, "event: keepalive\ndata: {\"event\":\"keepalive\"}\n\n")
		fmt.Fprint(w, "data: {\"event\":\"message\",\"id\":\"m2\",\"message\":\"broke\",\"tags\":\"x\",\"topic\":\"alerts\",\"time\":101}\n\n")
	}))
	defer srv.Close()

	sink := &recordSink{}
	s := New(sink, nil, nil, logx.Nop())
	s.Start(context.Background())
	ok := s.Connect(Config{
		Mode:                 "stream",
		Server:               srv.URL,
		Topic:                "alerts",
		ReconnectBase:        5 * time.Millisecond,
		MaxReconnectAttempts: 1,
	})
	if !ok {
		t.Fatal("Connect refused")
	}
	defer s.Disconnect()

	waitFor(t, func() bool { return len(sink.envelopes()) == 2 })

	got := sink.envelopes()
	if got[0].ID != "m1" || got[1].ID != "m2" {
		t.Errorf("delivered ids = %q, %q", got[0].ID, got[1].ID)
	}
	if len(got[1].Tags) != 1 || got[1].Tags[0] != "x" {
		t.Errorf("comma-string tags not normalized: %v", got[1].Tags)
	}
}

func TestRelayDeliversMessages(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if dials.Add(1) > 1 {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\":\"message\",\"id\":\"r1\",\"message\":\"hi\",\"topic\":\"alerts\",\"time\":5}\n\n")
	}))
	defer srv.Close()

	sink := &recordSink{}
	s := New(sink, nil, nil, logx.Nop())
	s.Start(context.Background())
	if !s.Connect(Config{
		Mode:                 "relay",
		Server:               srv.URL,
		Topic:                "alerts",
		ReconnectBase:        5 * time.Millisecond,
		MaxReconnectAttempts: 1,
	}) {
		t.Fatal("Connect refused")
	}
	defer s.Disconnect()

	waitFor(t, func() bool { return len(sink.envelopes()) == 1 })
	if got := sink.envelopes()[0]; got.ID != "r1" {
		t.Errorf("delivered id = %q", got.ID)
	}
}

func TestPollAdvancesCursor(t *testing.T) {
	t.Parallel()

	store, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			if r.URL.Query().Get("poll") != "1" || r.URL.Query().Has("since") {
				t.Errorf("first fetch query = %q", r.URL.RawQuery)
			}
			fmt.Fprintln(w, `{"event":"message","id":"p1","message":"one","topic":"alerts","time":100}`)
			fmt.Fprintln(w, `{"event":"keepalive","time":150}`)
			fmt.Fprintln(w, `{"event":"message","id":"p2","message":"two","topic":"alerts","time":200}`)
		default:
			if got := r.URL.Query().Get("since"); got != "200" {
				t.Errorf("since = %q, want 200", got)
			}
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	sink := &recordSink{}
	s := New(sink, nil, store, logx.Nop())
	s.Start(ctx)
	cfg := withConfigDefaults(Config{Mode: "poll", Server: srv.URL, Topic: "alerts"})

	s.pollOnce(ctx, 0, cfg)
	if got := sink.envelopes(); len(got) != 2 {
		t.Fatalf("delivered %d messages, want 2", len(got))
	}
	if sec, ok, err := store.Cursor(ctx); err != nil || !ok || sec != 200 {
		t.Fatalf("cursor = %d, ok = %v, err = %v; want 200", sec, ok, err)
	}
	if got := s.Status(); got != StatusConnected {
		t.Errorf("status = %v after successful cycle", got)
	}

	s.pollOnce(ctx, 0, cfg)
	if got := sink.envelopes(); len(got) != 2 {
		t.Errorf("redelivered on empty cycle: %d messages", len(got))
	}
}

func TestPollFailureKeepsCursor(t *testing.T) {
	t.Parallel()

	store, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.SetCursor(ctx, 42); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(&recordSink{}, nil, store, logx.Nop())
	s.Start(ctx)
	s.pollOnce(ctx, 0, withConfigDefaults(Config{Mode: "poll", Server: srv.URL, Topic: "alerts"}))

	if sec, ok, _ := store.Cursor(ctx); !ok || sec != 42 {
		t.Errorf("cursor moved on failed cycle: %d (ok=%v)", sec, ok)
	}
	if got := s.Status(); got != StatusDisconnected {
		t.Errorf("status = %v after failed cycle", got)
	}
}
