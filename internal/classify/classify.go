// Package classify maps ntfy tag sets to a display severity.
package classify

import "strings"

// Category is the derived severity of a notification. It controls display
// styling only; it is never supplied by the sender directly.
type Category string

const (
	Info    Category = "info"
	Success Category = "success"
	Failure Category = "failure"
)

// ntfy emoji shortcodes that mark an event as a success or a failure.
var (
	successTags = map[string]struct{}{
		"white_check_mark": {},
		"heavy_check_mark": {},
		"rocket":           {},
		"tada":             {},
		"star":             {},
		"green_circle":     {},
	}
	failureTags = map[string]struct{}{
		"x":              {},
		"warning":        {},
		"rotating_light": {},
		"fire":           {},
		"skull":          {},
		"red_circle":     {},
	}
)

// Classify returns the category for a normalized tag list.
// Empty input yields Info. The success set is checked before the failure set;
// that ordering is part of the contract, not an iteration accident.
func Classify(tags []string) Category {
	for _, t := range tags {
		if _, ok := successTags[norm(t)]; ok {
			return Success
		}
	}
	for _, t := range tags {
		if _, ok := failureTags[norm(t)]; ok {
			return Failure
		}
	}
	return Info
}

// ClassifyRaw accepts the wire-level tags value, which ntfy delivers either
// as a JSON array or as a single comma-separated string.
func ClassifyRaw(raw any) Category {
	return Classify(SplitTags(raw))
}

// SplitTags normalizes the wire-level tags value into a flat list.
// Both input forms normalize identically: elements are trimmed and lowercased.
func SplitTags(raw any) []string {
	switch v := raw.(type) {
	case nil:
		return nil
	case []string:
		out := make([]string, 0, len(v))
		for _, t := range v {
			if t = norm(t); t != "" {
				out = append(out, t)
			}
		}
		return out
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, t := range parts {
			if t = norm(t); t != "" {
				out = append(out, t)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				if s = norm(s); s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	default:
		return nil
	}
}

func norm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
