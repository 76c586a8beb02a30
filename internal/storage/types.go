package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid value")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL via DSN
//   - "file": single JSON document plus a JSONL delivery log
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Subscriber is a chat that receives digests. Unsubscribing clears Active; rows are never deleted.
type Subscriber struct {
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type FeedSource struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Active bool   `json:"active"`
}

// SendTime is an additional daily delivery time on top of Settings' primary time.
type SendTime struct {
	ID     int64 `json:"id"`
	Hour   int   `json:"hour"`
	Minute int   `json:"minute"`
	Active bool  `json:"active"`
}

// Settings is the single global settings row.
type Settings struct {
	Active        bool `json:"active"`
	NewsPerSource int  `json:"news_per_source"`
	SendHour      int  `json:"send_hour"`
	SendMinute    int  `json:"send_minute"`
}

// DefaultSettings is returned when no settings row exists yet.
func DefaultSettings() Settings {
	return Settings{Active: true, NewsPerSource: 3, SendHour: 8, SendMinute: 0}
}

func (s Settings) Validate() error {
	if s.NewsPerSource < 1 || s.NewsPerSource > 50 {
		return fmt.Errorf("%w: news_per_source must be 1..50, got %d", ErrInvalid, s.NewsPerSource)
	}
	return validHM(s.SendHour, s.SendMinute)
}

func validHM(h, m int) error {
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return fmt.Errorf("%w: time %02d:%02d outside 00:00..23:59", ErrInvalid, h, m)
	}
	return nil
}

// NewsItem is a cached digest entry. A zero PublishedAt means the feed gave no usable date.
type NewsItem struct {
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	Source      string    `json:"source"`
	Summary     string    `json:"summary"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// DeliveryRecord is one pipeline run, kept for /status.
type DeliveryRecord struct {
	RunID     string        `json:"run_id"`
	Kind      string        `json:"kind"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Entries   int           `json:"entries"`
	Partial   bool          `json:"partial"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Skipped   string        `json:"skipped,omitempty"`
	Error     string        `json:"error,omitempty"`
}
