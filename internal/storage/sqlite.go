package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "digestbot/pkg/logx"
)

//go:embed migrations_sqlite.sql
var sqliteSchema string

// deliveryKeep bounds the delivery log; older rows are pruned on append.
const deliveryKeep = 200

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./data/digestbot.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also keeps :memory: on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- subscribers ----

func (s *sqliteStore) AddSubscriber(ctx context.Context, sub Subscriber) (bool, error) {
	if sub.UserID == 0 {
		return false, fmt.Errorf("%w: user id is zero", ErrInvalid)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var active int
	err = tx.QueryRowContext(ctx, `SELECT is_active FROM subscribers WHERE user_id = ?`, sub.UserID).Scan(&active)
	changed := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO subscribers(user_id, username, first_name, last_name, is_active, created_at, updated_at)
			 VALUES(?,?,?,?,1,?,?)`,
			sub.UserID, nullStr(sub.Username), nullStr(sub.FirstName), nullStr(sub.LastName), now, now)
		changed = true
	case err != nil:
		return false, err
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE subscribers SET is_active = 1,
			   username = COALESCE(?, username), first_name = COALESCE(?, first_name), last_name = COALESCE(?, last_name),
			   updated_at = ? WHERE user_id = ?`,
			nullStr(sub.Username), nullStr(sub.FirstName), nullStr(sub.LastName), now, sub.UserID)
		changed = active == 0
	}
	if err != nil {
		return false, err
	}
	return changed, tx.Commit()
}

func (s *sqliteStore) RemoveSubscriber(ctx context.Context, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET is_active = 0, updated_at = ? WHERE user_id = ? AND is_active = 1`,
		time.Now().UTC().Format(time.RFC3339Nano), userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ActiveSubscribers(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM subscribers WHERE is_active = 1 ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListSubscribers(ctx context.Context) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, COALESCE(username,''), COALESCE(first_name,''), COALESCE(last_name,''), is_active, created_at, updated_at
		 FROM subscribers ORDER BY created_at, user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Subscriber
	for rows.Next() {
		var (
			sub              Subscriber
			active           int
			created, updated string
		)
		if err := rows.Scan(&sub.UserID, &sub.Username, &sub.FirstName, &sub.LastName, &active, &created, &updated); err != nil {
			return nil, err
		}
		sub.Active = active == 1
		sub.CreatedAt = parseTS(created)
		sub.UpdatedAt = parseTS(updated)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ---- feeds ----

func (s *sqliteStore) ActiveFeeds(ctx context.Context) ([]FeedSource, error) {
	return s.queryFeeds(ctx, `SELECT id, name, url, is_active FROM feeds WHERE is_active = 1 ORDER BY id`)
}

func (s *sqliteStore) ListFeeds(ctx context.Context) ([]FeedSource, error) {
	return s.queryFeeds(ctx, `SELECT id, name, url, is_active FROM feeds ORDER BY id`)
}

func (s *sqliteStore) queryFeeds(ctx context.Context, q string) ([]FeedSource, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FeedSource
	for rows.Next() {
		var (
			f      FeedSource
			active int
		)
		if err := rows.Scan(&f.ID, &f.Name, &f.URL, &active); err != nil {
			return nil, err
		}
		f.Active = active == 1
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddFeed(ctx context.Context, name, url string) (FeedSource, error) {
	name, url = strings.TrimSpace(name), strings.TrimSpace(url)
	if err := validFeedURL(url); err != nil {
		return FeedSource{}, err
	}
	// Re-adding a known URL re-enables it and refreshes the name.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feeds(name, url, is_active) VALUES(?,?,1)
		 ON CONFLICT(url) DO UPDATE SET name = excluded.name, is_active = 1`, name, url)
	if err != nil {
		return FeedSource{}, err
	}
	f := FeedSource{Name: name, URL: url, Active: true}
	err = s.db.QueryRowContext(ctx, `SELECT id FROM feeds WHERE url = ?`, url).Scan(&f.ID)
	return f, err
}

func (s *sqliteStore) SetFeedActive(ctx context.Context, id int64, active bool) error {
	return s.setActive(ctx, "feeds", id, active)
}

func (s *sqliteStore) setActive(ctx context.Context, table string, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE `+table+` SET is_active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %d: %w", table, id, ErrNotFound)
	}
	return nil
}

// ---- settings & schedule ----

func (s *sqliteStore) Settings(ctx context.Context) (Settings, error) {
	var (
		st     Settings
		active int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT is_active, news_per_source, send_hour, send_minute FROM settings WHERE id = 1`).
		Scan(&active, &st.NewsPerSource, &st.SendHour, &st.SendMinute)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, err
	}
	st.Active = active == 1
	return st, nil
}

func (s *sqliteStore) SaveSettings(ctx context.Context, st Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(id, is_active, news_per_source, send_hour, send_minute) VALUES(1,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET is_active = excluded.is_active, news_per_source = excluded.news_per_source,
		   send_hour = excluded.send_hour, send_minute = excluded.send_minute`,
		boolInt(st.Active), st.NewsPerSource, st.SendHour, st.SendMinute)
	return err
}

func (s *sqliteStore) SendTimes(ctx context.Context) ([]SendTime, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, hour, minute, is_active FROM send_times ORDER BY hour, minute, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SendTime
	for rows.Next() {
		var (
			t      SendTime
			active int
		)
		if err := rows.Scan(&t.ID, &t.Hour, &t.Minute, &active); err != nil {
			return nil, err
		}
		t.Active = active == 1
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddSendTime(ctx context.Context, hour, minute int) (SendTime, error) {
	if err := validHM(hour, minute); err != nil {
		return SendTime{}, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO send_times(hour, minute, is_active) VALUES(?,?,1)`, hour, minute)
	if err != nil {
		return SendTime{}, err
	}
	id, err := res.LastInsertId()
	return SendTime{ID: id, Hour: hour, Minute: minute, Active: true}, err
}

func (s *sqliteStore) SetSendTimeActive(ctx context.Context, id int64, active bool) error {
	return s.setActive(ctx, "send_times", id, active)
}

// ---- news cache ----

func (s *sqliteStore) ReplaceNews(ctx context.Context, items []NewsItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM news`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO news(title, link, source, summary, published_at) VALUES(?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, it.Title, it.Link, it.Source, it.Summary, nullTime(it.PublishedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LatestNews(ctx context.Context, limit int) ([]NewsItem, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT title, link, source, summary, COALESCE(published_at,'') FROM news ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []NewsItem
	for rows.Next() {
		var (
			it  NewsItem
			pub string
		)
		if err := rows.Scan(&it.Title, &it.Link, &it.Source, &it.Summary, &pub); err != nil {
			return nil, err
		}
		it.PublishedAt = parseTS(pub)
		out = append(out, it)
	}
	return out, rows.Err()
}

// ---- delivery log ----

func (s *sqliteStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(run_id, kind, started_at, duration_ms, entries, partial, attempted, succeeded, skipped, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.RunID, r.Kind, r.StartedAt.UTC().Format(time.RFC3339Nano), r.Duration.Milliseconds(),
		r.Entries, boolInt(r.Partial), r.Attempted, r.Succeeded, nullStr(r.Skipped), nullStr(r.Error))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE run_id NOT IN (SELECT run_id FROM deliveries ORDER BY started_at DESC LIMIT ?)`, deliveryKeep)
	return err
}

func (s *sqliteStore) RecentDeliveries(ctx context.Context, n int) ([]DeliveryRecord, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, kind, started_at, duration_ms, entries, partial, attempted, succeeded, COALESCE(skipped,''), COALESCE(err,'')
		 FROM deliveries ORDER BY started_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeliveryRecord
	for rows.Next() {
		var (
			r       DeliveryRecord
			started string
			durMS   int64
			partial int
		)
		if err := rows.Scan(&r.RunID, &r.Kind, &started, &durMS, &r.Entries, &partial, &r.Attempted, &r.Succeeded, &r.Skipped, &r.Error); err != nil {
			return nil, err
		}
		r.StartedAt = parseTS(started)
		r.Duration = time.Duration(durMS) * time.Millisecond
		r.Partial = partial == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
