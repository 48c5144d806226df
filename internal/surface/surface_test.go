package surface

import (
	"testing"

	"knowtifd/internal/storage"
)

func TestPrivilegedURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		url  string
		want bool
	}{
		{"https://example.com/dash", false},
		{"http://localhost:3000/ticker", false},
		{"chrome://settings", true},
		{"chrome-extension://abcdef/popup.html", true},
		{"about:blank", true},
		{"devtools://devtools/bundled", true},
		{"internal://surface", true},
		{"", false},
	}
	for _, tc := range cases {
		if got := PrivilegedURL(tc.url); got != tc.want {
			t.Errorf("PrivilegedURL(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}

func TestFanoutTickerSkipsPrivilegedTargets(t *testing.T) {
	t.Parallel()

	tk := NewFanoutTicker()
	var normal, privileged int
	unsub := tk.Register("page", "https://example.com/ticker", func(storage.Notification) { normal++ })
	defer unsub()
	tk.Register("settings", "chrome://settings", func(storage.Notification) { privileged++ })

	tk.Broadcast(storage.Notification{ID: "n1"})
	if normal != 1 {
		t.Errorf("normal target received %d broadcasts, want 1", normal)
	}
	if privileged != 0 {
		t.Errorf("privileged target received %d broadcasts, want 0", privileged)
	}

	unsub()
	tk.Broadcast(storage.Notification{ID: "n2"})
	if normal != 1 {
		t.Errorf("unregistered target still receiving: %d", normal)
	}
}
