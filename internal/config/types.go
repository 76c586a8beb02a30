package config

import "strings"

// Config is the on-disk configuration (JSON or YAML). Durations are Go duration strings.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Schedule ScheduleConfig `json:"schedule"`
	Feeds    FeedsConfig    `json:"feeds"`
	Dispatch DispatchConfig `json:"dispatch"`
	Metrics  MetricsConfig  `json:"metrics"`

	// Subscribers seeds the subscriber table when it is empty.
	Subscribers []int64 `json:"subscribers,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// LogChatID receives warnings and errors when logging.telegram is enabled.
	LogChatID   int64  `json:"log_chat_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool    `json:"enabled"`
	MinLevel   string  `json:"min_level,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/digestbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite | postgres | file
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ScheduleConfig controls the delivery scheduler.
//
// Defaults (when fields are omitted):
//   - timezone: Europe/Moscow, fallback_utc_offset: +03:00
//   - default_time: 08:00 (served when the store has no usable send time)
//   - poll_interval: 30s, due_window: 15m, fire_pause: 65s
//   - error_cooldown: 2m, shutdown_grace: 20s
type ScheduleConfig struct {
	Timezone          string `json:"timezone,omitempty"`
	FallbackUTCOffset string `json:"fallback_utc_offset,omitempty"`
	DefaultTime       string `json:"default_time,omitempty"`
	PollInterval      string `json:"poll_interval,omitempty"`
	DueWindow         string `json:"due_window,omitempty"`
	FirePause         string `json:"fire_pause,omitempty"`
	ErrorCooldown     string `json:"error_cooldown,omitempty"`
	ShutdownGrace     string `json:"shutdown_grace,omitempty"`
}

type FeedsConfig struct {
	FetchTimeout string `json:"fetch_timeout,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
	SummaryLimit int    `json:"summary_limit,omitempty"`
	Workers      int    `json:"workers,omitempty"`
	// Sources seeds the feed table when it is empty.
	Sources []FeedSourceConfig `json:"sources,omitempty"`
}

type FeedSourceConfig struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url"`
}

type DispatchConfig struct {
	Workers     int     `json:"workers,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	SendTimeout string  `json:"send_timeout,omitempty"`
	RetryMax    int     `json:"retry_max,omitempty"`
}

// MetricsConfig controls the /metrics and /healthz endpoint.
// A non-loopback addr requires a token.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}

// DefaultSources are seeded when neither the store nor the config has any feed.
func DefaultSources() []FeedSourceConfig {
	return []FeedSourceConfig{
		{Name: "Lenta.ru", URL: "https://lenta.ru/rss/news"},
		{Name: "Новости Mail.ru", URL: "https://news.mail.ru/rss/90/"},
		{Name: "RT на русском", URL: "https://russian.rt.com/rss"},
	}
}

// ApplyDefaults fills omitted fields in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Telegram.PollTimeout) == "" {
		c.Telegram.PollTimeout = "10s"
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "sqlite"
	}
	s := &c.Schedule
	def := func(p *string, v string) {
		if strings.TrimSpace(*p) == "" {
			*p = v
		}
	}
	def(&s.Timezone, "Europe/Moscow")
	def(&s.FallbackUTCOffset, "+03:00")
	def(&s.DefaultTime, "08:00")
	def(&s.PollInterval, "30s")
	def(&s.DueWindow, "15m")
	def(&s.FirePause, "65s")
	def(&s.ErrorCooldown, "2m")
	def(&s.ShutdownGrace, "20s")

	def(&c.Feeds.FetchTimeout, "15s")
	if c.Feeds.SummaryLimit <= 0 {
		c.Feeds.SummaryLimit = 300
	}
	if c.Feeds.Workers <= 0 {
		c.Feeds.Workers = 4
	}
	if len(c.Feeds.Sources) == 0 {
		c.Feeds.Sources = DefaultSources()
	}

	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = 3
	}
	if c.Dispatch.RatePerSec <= 0 {
		c.Dispatch.RatePerSec = 10
	}
	def(&c.Dispatch.SendTimeout, "15s")

	def(&c.Metrics.Addr, "127.0.0.1:9090")
}
