package transport

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"knowtifd/internal/classify"
)

// Status is the process-wide connection state, owned exclusively by the
// transport. Everyone else only reads it.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Envelope is one inbound wire event from the notification backend, as
// delivered by both the SSE stream and the poll endpoint (one JSON object
// per frame/line).
//
// Only Event == "message" is dispatched; "open", "keepalive" and anything
// unrecognized are dropped before the dispatcher.
type Envelope struct {
	Event   string  `json:"event"`
	ID      string  `json:"id,omitempty"`
	Title   string  `json:"title,omitempty"`
	Message string  `json:"message,omitempty"`
	Tags    TagList `json:"tags,omitempty"`
	Click   string  `json:"click,omitempty"`
	URL     string  `json:"url,omitempty"`
	Topic   string  `json:"topic,omitempty"`
	Time    int64   `json:"time,omitempty"` // unix seconds
}

// IsMessage reports whether the envelope carries an actual notification.
func (e Envelope) IsMessage() bool { return e.Event == "message" }

// TagList accepts both wire forms of the tags field: a JSON array or a
// single comma-separated string. Both normalize identically (trimmed,
// lowercased, empties dropped).
type TagList []string

func (t *TagList) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*t = classify.SplitTags(list)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = classify.SplitTags(s)
	return nil
}

// parseEnvelope decodes one JSON frame/line. A malformed record is the
// caller's cue to drop that single record and keep the loop alive.
func parseEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Sink consumes normalized inbound events. The dispatcher is the only
// production implementation.
type Sink interface {
	HandleInbound(ev Envelope)
}

// Config is the connection-affecting slice of the settings record. The
// transport re-reads it on every Connect.
type Config struct {
	Mode   string // "stream", "relay" or "poll"
	Server string
	Topic  string

	PollInterval         time.Duration
	ReconnectBase        time.Duration
	MaxReconnectAttempts int
}

func (c Config) streamURL() string {
	return strings.TrimRight(c.Server, "/") + "/" + c.Topic + "/sse"
}

func (c Config) pollURL(cursor int64, haveCursor bool) string {
	base := strings.TrimRight(c.Server, "/") + "/" + c.Topic + "/json"
	if haveCursor {
		return base + "?since=" + strconv.FormatInt(cursor, 10)
	}
	return base + "?poll=1"
}
