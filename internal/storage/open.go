package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	logx "digestbot/pkg/logx"
)

type SubscriberStore interface {
	// AddSubscriber inserts or re-activates a subscriber and refreshes its names.
	// changed is false when the subscriber was already active.
	AddSubscriber(ctx context.Context, s Subscriber) (changed bool, err error)
	// RemoveSubscriber marks a subscriber inactive. changed is false when it wasn't active.
	RemoveSubscriber(ctx context.Context, userID int64) (changed bool, err error)
	ActiveSubscribers(ctx context.Context) ([]int64, error)
	ListSubscribers(ctx context.Context) ([]Subscriber, error)
}

type FeedStore interface {
	ActiveFeeds(ctx context.Context) ([]FeedSource, error)
	ListFeeds(ctx context.Context) ([]FeedSource, error)
	AddFeed(ctx context.Context, name, url string) (FeedSource, error)
	SetFeedActive(ctx context.Context, id int64, active bool) error
}

type SettingsStore interface {
	// Settings returns DefaultSettings when nothing was saved yet.
	Settings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, s Settings) error
}

type ScheduleStore interface {
	// SendTimes lists every additional send time, enabled or not, ordered by time of day.
	SendTimes(ctx context.Context) ([]SendTime, error)
	AddSendTime(ctx context.Context, hour, minute int) (SendTime, error)
	SetSendTimeActive(ctx context.Context, id int64, active bool) error
}

type NewsStore interface {
	// ReplaceNews drops the cached list and stores items in order.
	ReplaceNews(ctx context.Context, items []NewsItem) error
	LatestNews(ctx context.Context, limit int) ([]NewsItem, error)
}

type DeliveryLog interface {
	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	// RecentDeliveries returns up to n records, newest first.
	RecentDeliveries(ctx context.Context, n int) ([]DeliveryRecord, error)
}

// Store is the persistence API used by the bot, the scheduler and the CLI.
type Store interface {
	SubscriberStore
	FeedStore
	SettingsStore
	ScheduleStore
	NewsStore
	DeliveryLog
	Close() error
}

// Open initializes the configured store. An empty driver selects sqlite.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(ctx, cfg, log)
	case "file", "json":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// Seed fills an empty store with the configured feeds and subscribers.
// Tables that already hold rows are left alone.
func Seed(ctx context.Context, st Store, feeds []FeedSource, subscribers []int64, log logx.Logger) error {
	existing, err := st.ListFeeds(ctx)
	if err != nil {
		return fmt.Errorf("seed feeds: %w", err)
	}
	if len(existing) == 0 {
		for _, f := range feeds {
			if _, err := st.AddFeed(ctx, f.Name, f.URL); err != nil {
				return fmt.Errorf("seed feed %s: %w", f.URL, err)
			}
		}
		if len(feeds) > 0 {
			log.Info("seeded feeds", logx.Int("count", len(feeds)))
		}
	}

	subs, err := st.ListSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("seed subscribers: %w", err)
	}
	if len(subs) == 0 {
		for _, id := range subscribers {
			if _, err := st.AddSubscriber(ctx, Subscriber{UserID: id}); err != nil {
				return fmt.Errorf("seed subscriber %d: %w", id, err)
			}
		}
		if len(subscribers) > 0 {
			log.Info("seeded subscribers", logx.Int("count", len(subscribers)))
		}
	}
	return nil
}

func validFeedURL(url string) error {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("%w: feed url must be http(s): %q", ErrInvalid, url)
	}
	return nil
}
