package config

// Settings is the complete user configuration. A partially written file is
// always completed by WithDefaults before anyone consumes it: no component
// ever sees an undefined field.
//
// Booleans that default to true are pointers so "omitted" and an explicit
// false stay distinguishable.
type Settings struct {
	// Topic and Server identify the subscription endpoint.
	Topic  string `json:"topic"`
	Server string `json:"server,omitempty"`

	// AutoConnect opens the subscription at startup. Default: true.
	AutoConnect *bool `json:"auto_connect,omitempty"`

	Subscription SubscriptionSettings `json:"subscription,omitempty"`
	Popup        PopupSettings        `json:"popup,omitempty"`
	Ticker       TickerSettings       `json:"ticker,omitempty"`

	// CategoryColors is purely cosmetic; surfaces read it, nothing else does.
	CategoryColors CategoryColors `json:"category_colors,omitempty"`

	Logging LoggingSettings `json:"logging,omitempty"`
	Storage StorageSettings `json:"storage,omitempty"`
	API     APISettings     `json:"api,omitempty"`
}

// SubscriptionSettings selects and tunes the transport strategy.
//
// Mode values:
//   - "stream": long-lived SSE connection owned by the transport itself
//   - "relay":  SSE connection owned by a companion context, bridged by
//     message passing (for hosts that may suspend the primary context)
//   - "poll":   periodic fetch of events newer than the stored cursor
//
// All durations are Go duration strings (e.g. "500ms", "6s").
type SubscriptionSettings struct {
	Mode string `json:"mode,omitempty"` // default "stream"

	// PollInterval applies to poll mode only. Default: "6s".
	PollInterval string `json:"poll_interval,omitempty"`

	// ReconnectBase is the backoff base for stream/relay reconnects.
	// Attempt n waits base * 2^(n-1). Default: "1s".
	ReconnectBase string `json:"reconnect_base,omitempty"`

	// MaxReconnectAttempts stops automatic retries; explicit connect still
	// works afterwards. Default: 10.
	MaxReconnectAttempts int `json:"max_reconnect_attempts,omitempty"`
}

// PopupSettings controls system-level alerts.
type PopupSettings struct {
	Enabled *bool `json:"enabled,omitempty"` // default true

	// Duration before an alert is auto-dismissed. "0s" disables dismissal.
	// Default: "5s".
	Duration string `json:"duration,omitempty"`

	Sound *bool `json:"sound,omitempty"` // default true

	// RatePerSec caps alert creation during notification storms. Default: 2.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// TickerSettings is owned by the in-page ticker surface; the core only
// checks Enabled and passes the rest through.
type TickerSettings struct {
	Enabled         *bool   `json:"enabled,omitempty"`  // default true
	Position        string  `json:"position,omitempty"` // "top" or "bottom"
	Height          int     `json:"height,omitempty"`
	Speed           int     `json:"speed,omitempty"`
	FontSize        int     `json:"font_size,omitempty"`
	BackgroundColor string  `json:"background_color,omitempty"`
	TextColor       string  `json:"text_color,omitempty"`
	BorderColor     string  `json:"border_color,omitempty"`
	Opacity         float64 `json:"opacity,omitempty"`
}

type CategoryColors struct {
	Info    ColorPair `json:"info,omitempty"`
	Success ColorPair `json:"success,omitempty"`
	Failure ColorPair `json:"failure,omitempty"`
}

type ColorPair struct {
	Background string `json:"background,omitempty"`
	Text       string `json:"text,omitempty"`
}

type LoggingSettings struct {
	Level   string      `json:"level,omitempty"`
	Console *bool       `json:"console,omitempty"` // default true
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// StorageSettings selects the local state driver.
type StorageSettings struct {
	Driver      string `json:"driver,omitempty"` // "file" (default) or "sqlite"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// APISettings controls the local HTTP surface API.
//
// Security note:
//   - Prefer binding to localhost (the default).
//   - If you bind to a non-loopback address, set a token.
type APISettings struct {
	Enabled *bool  `json:"enabled,omitempty"` // default true
	Addr    string `json:"addr,omitempty"`    // default "127.0.0.1:8377"
	Token   string `json:"token,omitempty"`   // optional bearer token (do not log)

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

// Defaults returns the hardcoded baseline configuration.
func Defaults() Settings {
	tr := true
	return Settings{
		Server:      "https://ntfy.sh",
		AutoConnect: &tr,
		Subscription: SubscriptionSettings{
			Mode:                 "stream",
			PollInterval:         "6s",
			ReconnectBase:        "1s",
			MaxReconnectAttempts: 10,
		},
		Popup: PopupSettings{
			Enabled:    &tr,
			Duration:   "5s",
			Sound:      &tr,
			RatePerSec: 2,
		},
		Ticker: TickerSettings{
			Enabled:         &tr,
			Position:        "top",
			Height:          32,
			Speed:           80,
			FontSize:        13,
			BackgroundColor: "#161b22",
			TextColor:       "#e6edf3",
			BorderColor:     "#30363d",
			Opacity:         0.95,
		},
		CategoryColors: CategoryColors{
			Info:    ColorPair{Background: "#388bfd", Text: "#ffffff"},
			Success: ColorPair{Background: "#3fb950", Text: "#ffffff"},
			Failure: ColorPair{Background: "#f85149", Text: "#ffffff"},
		},
		Logging: LoggingSettings{
			Level:   "INFO",
			Console: &tr,
		},
		Storage: StorageSettings{
			Driver: "file",
			Path:   "./knowtifd_state.json",
		},
		API: APISettings{
			Enabled: &tr,
			Addr:    "127.0.0.1:8377",
		},
	}
}

// WithDefaults merges s over Defaults(), field by field, nested groups
// included. Shallow struct overwrite is deliberately avoided: a user file
// that sets only ticker.height must not blank the other ticker fields.
func (s Settings) WithDefaults() Settings {
	d := Defaults()

	if s.Server == "" {
		s.Server = d.Server
	}
	if s.AutoConnect == nil {
		s.AutoConnect = d.AutoConnect
	}

	if s.Subscription.Mode == "" {
		s.Subscription.Mode = d.Subscription.Mode
	}
	if s.Subscription.PollInterval == "" {
		s.Subscription.PollInterval = d.Subscription.PollInterval
	}
	if s.Subscription.ReconnectBase == "" {
		s.Subscription.ReconnectBase = d.Subscription.ReconnectBase
	}
	if s.Subscription.MaxReconnectAttempts == 0 {
		s.Subscription.MaxReconnectAttempts = d.Subscription.MaxReconnectAttempts
	}

	if s.Popup.Enabled == nil {
		s.Popup.Enabled = d.Popup.Enabled
	}
	if s.Popup.Duration == "" {
		s.Popup.Duration = d.Popup.Duration
	}
	if s.Popup.Sound == nil {
		s.Popup.Sound = d.Popup.Sound
	}
	if s.Popup.RatePerSec == 0 {
		s.Popup.RatePerSec = d.Popup.RatePerSec
	}

	if s.Ticker.Enabled == nil {
		s.Ticker.Enabled = d.Ticker.Enabled
	}
	if s.Ticker.Position == "" {
		s.Ticker.Position = d.Ticker.Position
	}
	if s.Ticker.Height == 0 {
		s.Ticker.Height = d.Ticker.Height
	}
	if s.Ticker.Speed == 0 {
		s.Ticker.Speed = d.Ticker.Speed
	}
	if s.Ticker.FontSize == 0 {
		s.Ticker.FontSize = d.Ticker.FontSize
	}
	if s.Ticker.BackgroundColor == "" {
		s.Ticker.BackgroundColor = d.Ticker.BackgroundColor
	}
	if s.Ticker.TextColor == "" {
		s.Ticker.TextColor = d.Ticker.TextColor
	}
	if s.Ticker.BorderColor == "" {
		s.Ticker.BorderColor = d.Ticker.BorderColor
	}
	if s.Ticker.Opacity == 0 {
		s.Ticker.Opacity = d.Ticker.Opacity
	}

	if s.CategoryColors.Info == (ColorPair{}) {
		s.CategoryColors.Info = d.CategoryColors.Info
	}
	if s.CategoryColors.Success == (ColorPair{}) {
		s.CategoryColors.Success = d.CategoryColors.Success
	}
	if s.CategoryColors.Failure == (ColorPair{}) {
		s.CategoryColors.Failure = d.CategoryColors.Failure
	}

	if s.Logging.Level == "" {
		s.Logging.Level = d.Logging.Level
	}
	if s.Logging.Console == nil {
		s.Logging.Console = d.Logging.Console
	}

	if s.Storage.Driver == "" {
		s.Storage.Driver = d.Storage.Driver
	}
	if s.Storage.Path == "" {
		s.Storage.Path = d.Storage.Path
	}

	if s.API.Enabled == nil {
		s.API.Enabled = d.API.Enabled
	}
	if s.API.Addr == "" {
		s.API.Addr = d.API.Addr
	}

	return s
}
