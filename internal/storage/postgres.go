package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "digestbot/pkg/logx"
)

//go:embed migrations_postgres.sql
var postgresSchema string

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if pcfg.MaxConns > 8 {
		pcfg.MaxConns = 8
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	log.Debug("postgres store opened", logx.String("host", pcfg.ConnConfig.Host))
	return &pgStore{pool: pool, log: log}, nil
}

func (s *pgStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// ---- subscribers ----

func (s *pgStore) AddSubscriber(ctx context.Context, sub Subscriber) (bool, error) {
	if sub.UserID == 0 {
		return false, fmt.Errorf("%w: user id is zero", ErrInvalid)
	}
	// xmax = 0 marks a fresh insert; prev_active carries the state before the upsert.
	var inserted, prevActive bool
	err := s.pool.QueryRow(ctx, `
		WITH prev AS (SELECT is_active FROM subscribers WHERE user_id = $1)
		INSERT INTO subscribers(user_id, username, first_name, last_name, is_active)
		VALUES($1, NULLIF($2,''), NULLIF($3,''), NULLIF($4,''), TRUE)
		ON CONFLICT (user_id) DO UPDATE SET
			is_active = TRUE,
			username = COALESCE(EXCLUDED.username, subscribers.username),
			first_name = COALESCE(EXCLUDED.first_name, subscribers.first_name),
			last_name = COALESCE(EXCLUDED.last_name, subscribers.last_name),
			updated_at = now()
		RETURNING (xmax = 0), COALESCE((SELECT is_active FROM prev), FALSE)`,
		sub.UserID, sub.Username, sub.FirstName, sub.LastName).Scan(&inserted, &prevActive)
	if err != nil {
		return false, err
	}
	return inserted || !prevActive, nil
}

func (s *pgStore) RemoveSubscriber(ctx context.Context, userID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscribers SET is_active = FALSE, updated_at = now() WHERE user_id = $1 AND is_active`, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgStore) ActiveSubscribers(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM subscribers WHERE is_active ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *pgStore) ListSubscribers(ctx context.Context) ([]Subscriber, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, COALESCE(username,''), COALESCE(first_name,''), COALESCE(last_name,''), is_active, created_at, updated_at
		 FROM subscribers ORDER BY created_at, user_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Subscriber, error) {
		var sub Subscriber
		err := row.Scan(&sub.UserID, &sub.Username, &sub.FirstName, &sub.LastName, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt)
		return sub, err
	})
}

// ---- feeds ----

func (s *pgStore) ActiveFeeds(ctx context.Context) ([]FeedSource, error) {
	return s.queryFeeds(ctx, `SELECT id, name, url, is_active FROM feeds WHERE is_active ORDER BY id`)
}

func (s *pgStore) ListFeeds(ctx context.Context) ([]FeedSource, error) {
	return s.queryFeeds(ctx, `SELECT id, name, url, is_active FROM feeds ORDER BY id`)
}

func (s *pgStore) queryFeeds(ctx context.Context, q string) ([]FeedSource, error) {
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (FeedSource, error) {
		var f FeedSource
		err := row.Scan(&f.ID, &f.Name, &f.URL, &f.Active)
		return f, err
	})
}

func (s *pgStore) AddFeed(ctx context.Context, name, url string) (FeedSource, error) {
	name, url = strings.TrimSpace(name), strings.TrimSpace(url)
	if err := validFeedURL(url); err != nil {
		return FeedSource{}, err
	}
	f := FeedSource{Name: name, URL: url, Active: true}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO feeds(name, url, is_active) VALUES($1,$2,TRUE)
		 ON CONFLICT (url) DO UPDATE SET name = EXCLUDED.name, is_active = TRUE
		 RETURNING id`, name, url).Scan(&f.ID)
	return f, err
}

func (s *pgStore) SetFeedActive(ctx context.Context, id int64, active bool) error {
	return s.setActive(ctx, "feeds", id, active)
}

func (s *pgStore) setActive(ctx context.Context, table string, id int64, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+table+` SET is_active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %d: %w", table, id, ErrNotFound)
	}
	return nil
}

// ---- settings & schedule ----

func (s *pgStore) Settings(ctx context.Context) (Settings, error) {
	var st Settings
	err := s.pool.QueryRow(ctx,
		`SELECT is_active, news_per_source, send_hour, send_minute FROM settings WHERE id = 1`).
		Scan(&st.Active, &st.NewsPerSource, &st.SendHour, &st.SendMinute)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultSettings(), nil
	}
	return st, err
}

func (s *pgStore) SaveSettings(ctx context.Context, st Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings(id, is_active, news_per_source, send_hour, send_minute) VALUES(1,$1,$2,$3,$4)
		 ON CONFLICT (id) DO UPDATE SET is_active = EXCLUDED.is_active, news_per_source = EXCLUDED.news_per_source,
		   send_hour = EXCLUDED.send_hour, send_minute = EXCLUDED.send_minute`,
		st.Active, st.NewsPerSource, st.SendHour, st.SendMinute)
	return err
}

func (s *pgStore) SendTimes(ctx context.Context) ([]SendTime, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, hour, minute, is_active FROM send_times ORDER BY hour, minute, id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (SendTime, error) {
		var t SendTime
		err := row.Scan(&t.ID, &t.Hour, &t.Minute, &t.Active)
		return t, err
	})
}

func (s *pgStore) AddSendTime(ctx context.Context, hour, minute int) (SendTime, error) {
	if err := validHM(hour, minute); err != nil {
		return SendTime{}, err
	}
	t := SendTime{Hour: hour, Minute: minute, Active: true}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO send_times(hour, minute, is_active) VALUES($1,$2,TRUE) RETURNING id`, hour, minute).Scan(&t.ID)
	return t, err
}

func (s *pgStore) SetSendTimeActive(ctx context.Context, id int64, active bool) error {
	return s.setActive(ctx, "send_times", id, active)
}

// ---- news cache ----

func (s *pgStore) ReplaceNews(ctx context.Context, items []NewsItem) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM news`); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, it := range items {
			var pub *time.Time
			if !it.PublishedAt.IsZero() {
				p := it.PublishedAt
				pub = &p
			}
			batch.Queue(`INSERT INTO news(title, link, source, summary, published_at) VALUES($1,$2,$3,$4,$5)`,
				it.Title, it.Link, it.Source, it.Summary, pub)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *pgStore) LatestNews(ctx context.Context, limit int) ([]NewsItem, error) {
	q := `SELECT title, link, source, summary, published_at FROM news ORDER BY id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (NewsItem, error) {
		var (
			it  NewsItem
			pub *time.Time
		)
		if err := row.Scan(&it.Title, &it.Link, &it.Source, &it.Summary, &pub); err != nil {
			return it, err
		}
		if pub != nil {
			it.PublishedAt = *pub
		}
		return it, nil
	})
}

// ---- delivery log ----

func (s *pgStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deliveries(run_id, kind, started_at, duration_ms, entries, partial, attempted, succeeded, skipped, err)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),NULLIF($10,''))`,
		r.RunID, r.Kind, r.StartedAt, r.Duration.Milliseconds(), r.Entries, r.Partial, r.Attempted, r.Succeeded, r.Skipped, r.Error)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`DELETE FROM deliveries WHERE run_id NOT IN (SELECT run_id FROM deliveries ORDER BY started_at DESC LIMIT $1)`, deliveryKeep)
	return err
}

func (s *pgStore) RecentDeliveries(ctx context.Context, n int) ([]DeliveryRecord, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, kind, started_at, duration_ms, entries, partial, attempted, succeeded, COALESCE(skipped,''), COALESCE(err,'')
		 FROM deliveries ORDER BY started_at DESC LIMIT $1`, n)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (DeliveryRecord, error) {
		var (
			r     DeliveryRecord
			durMS int64
		)
		err := row.Scan(&r.RunID, &r.Kind, &r.StartedAt, &durMS, &r.Entries, &r.Partial, &r.Attempted, &r.Succeeded, &r.Skipped, &r.Error)
		r.Duration = time.Duration(durMS) * time.Millisecond
		return r, err
	})
}
