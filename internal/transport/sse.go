package transport

import (
	"bufio"
	"io"
	"strings"
)

// sseFrame is one server-sent event. An empty Event means the stream did
// not name the event type; per the SSE default that reads as "message".
type sseFrame struct {
	Event string
	Data  string
}

// readSSE consumes frames from r and invokes fn for each complete frame.
// It returns when the stream ends or errors; fn returning false stops the
// read early without error.
//
// Only the "event:" and "data:" fields matter here; "id:", "retry:" and
// comment lines are skipped. Multi-line data is joined with newlines per
// the SSE framing rules.
func readSSE(r io.Reader, fn func(f sseFrame) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		event string
		data  []string
	)
	flush := func() bool {
		if len(data) == 0 {
			event = ""
			return true
		}
		f := sseFrame{Event: event, Data: strings.Join(data, "\n")}
		event = ""
		data = data[:0]
		return fn(f)
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if !flush() {
				return nil
			}
		case strings.HasPrefix(line, ":"):
			// comment / keepalive line
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			d := strings.TrimPrefix(line, "data:")
			d = strings.TrimPrefix(d, " ")
			data = append(data, d)
		}
	}
	// Trailing frame without a final blank line.
	_ = flush()
	return sc.Err()
}
