package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"digestbot/internal/clock"
	"digestbot/internal/schedule"
)

// Durations holds every duration field of Config, parsed.
type Durations struct {
	PollTimeout   time.Duration
	BusyTimeout   time.Duration
	PollInterval  time.Duration
	DueWindow     time.Duration
	FirePause     time.Duration
	ErrorCooldown time.Duration
	ShutdownGrace time.Duration
	FetchTimeout  time.Duration
	SendTimeout   time.Duration
}

// MaxDueWindow bounds how late a send time may still fire.
const MaxDueWindow = 15 * time.Minute

func (c *Config) Durations() (Durations, error) {
	var (
		d    Durations
		errs []error
	)
	parse := func(dst *time.Duration, path, raw string) {
		v, err := ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	parse(&d.PollTimeout, "telegram.poll_timeout", c.Telegram.PollTimeout)
	parse(&d.BusyTimeout, "storage.busy_timeout", c.Storage.BusyTimeout)
	parse(&d.PollInterval, "schedule.poll_interval", c.Schedule.PollInterval)
	parse(&d.DueWindow, "schedule.due_window", c.Schedule.DueWindow)
	parse(&d.FirePause, "schedule.fire_pause", c.Schedule.FirePause)
	parse(&d.ErrorCooldown, "schedule.error_cooldown", c.Schedule.ErrorCooldown)
	parse(&d.ShutdownGrace, "schedule.shutdown_grace", c.Schedule.ShutdownGrace)
	parse(&d.FetchTimeout, "feeds.fetch_timeout", c.Feeds.FetchTimeout)
	parse(&d.SendTimeout, "dispatch.send_timeout", c.Dispatch.SendTimeout)
	return d, errors.Join(errs...)
}

// Validate reports every problem found, not just the first. The bot token is not
// checked here because offline commands run without it.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, a ...any) { errs = append(errs, fmt.Errorf(format, a...)) }

	d, err := c.Durations()
	if err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "sqlite", "file":
	case "postgres", "pg":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add("storage.dsn: required for driver %q", c.Storage.Driver)
		}
	default:
		add("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	if _, err := clock.ParseOffset(c.Schedule.FallbackUTCOffset); err != nil {
		add("schedule.fallback_utc_offset: %w", err)
	}
	if _, err := schedule.ParseEntry(c.Schedule.DefaultTime); err != nil {
		add("schedule.default_time: %w", err)
	}
	if err == nil {
		if d.PollInterval < 30*time.Second || d.PollInterval > time.Minute {
			add("schedule.poll_interval: must be within 30s..60s, got %s", d.PollInterval)
		}
		if d.DueWindow < time.Minute || d.DueWindow > MaxDueWindow {
			add("schedule.due_window: must be within 1m..%s, got %s", MaxDueWindow, d.DueWindow)
		}
		if d.DueWindow <= d.PollInterval {
			add("schedule.due_window (%s) must exceed poll_interval (%s)", d.DueWindow, d.PollInterval)
		}
	}

	for i, s := range c.Feeds.Sources {
		u, perr := url.Parse(strings.TrimSpace(s.URL))
		if perr != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("feeds.sources[%d].url: %q is not an http(s) URL", i, s.URL)
		}
	}
	if c.Feeds.SummaryLimit < 20 {
		add("feeds.summary_limit: must be >= 20, got %d", c.Feeds.SummaryLimit)
	}

	if c.Dispatch.RatePerSec > 30 {
		add("dispatch.rate_per_sec: Telegram allows about 30 messages/s, got %g", c.Dispatch.RatePerSec)
	}
	if c.Dispatch.RetryMax < 0 || c.Dispatch.RetryMax > 5 {
		add("dispatch.retry_max: must be within 0..5, got %d", c.Dispatch.RetryMax)
	}

	if c.Logging.Telegram.Enabled && c.Telegram.LogChatID == 0 {
		add("logging.telegram: enabled but telegram.log_chat_id is not set")
	}
	return errors.Join(errs...)
}
