package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "digestbot/pkg/logx"
)

// fileStore keeps everything in memory and persists it as:
//   - <prefix>.json             (whole document, rewritten via tmp+rename on every change)
//   - <prefix>.deliveries.jsonl (append-only delivery log, compacted on open)
type fileStore struct {
	log logx.Logger

	mu  sync.Mutex
	doc fileDoc

	docPath    string
	deliveries []DeliveryRecord // oldest first
	logFile    *os.File
}

type fileDoc struct {
	Subscribers []Subscriber `json:"subscribers"`
	Feeds       []FeedSource `json:"feeds"`
	SendTimes   []SendTime   `json:"send_times"`
	Settings    *Settings    `json:"settings,omitempty"`
	News        []NewsItem   `json:"news"`
	NextID      int64        `json:"next_id"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, docPath: prefix + ".json"}
	if err := loadDoc(s.docPath, &s.doc); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", s.docPath, err)
	}

	logPath := prefix + ".deliveries.jsonl"
	_ = replayDeliveries(logPath, &s.deliveries)
	if len(s.deliveries) > deliveryKeep {
		s.deliveries = s.deliveries[len(s.deliveries)-deliveryKeep:]
		if err := rewriteDeliveries(logPath, s.deliveries); err != nil {
			log.Debug("delivery log compact failed", logx.Err(err))
		}
	}
	lf, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.logFile = lf
	return s, nil
}

func loadDoc(path string, out *fileDoc) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func replayDeliveries(path string, out *[]DeliveryRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r DeliveryRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.RunID == "" {
			continue
		}
		*out = append(*out, r)
	}
	return sc.Err()
}

func rewriteDeliveries(path string, recs []DeliveryRecord) error {
	return writeAtomic(path, func(f *os.File) error {
		enc := json.NewEncoder(f)
		for _, r := range recs {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeAtomic(path string, write func(f *os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// saveLocked persists the document. On failure the in-memory state is already changed,
// so the caller reports the error and the next successful write catches up.
func (s *fileStore) saveLocked() error {
	return writeAtomic(s.docPath, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(&s.doc)
	})
}

func (s *fileStore) nextIDLocked() int64 {
	s.doc.NextID++
	return s.doc.NextID
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile == nil {
		return nil
	}
	err := s.logFile.Close()
	s.logFile = nil
	return err
}

// ---- subscribers ----

func (s *fileStore) AddSubscriber(_ context.Context, sub Subscriber) (bool, error) {
	if sub.UserID == 0 {
		return false, fmt.Errorf("%w: user id is zero", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for i := range s.doc.Subscribers {
		cur := &s.doc.Subscribers[i]
		if cur.UserID != sub.UserID {
			continue
		}
		changed := !cur.Active
		cur.Active = true
		cur.UpdatedAt = now
		if sub.Username != "" {
			cur.Username = sub.Username
		}
		if sub.FirstName != "" {
			cur.FirstName = sub.FirstName
		}
		if sub.LastName != "" {
			cur.LastName = sub.LastName
		}
		return changed, s.saveLocked()
	}
	sub.Active = true
	sub.CreatedAt, sub.UpdatedAt = now, now
	s.doc.Subscribers = append(s.doc.Subscribers, sub)
	return true, s.saveLocked()
}

func (s *fileStore) RemoveSubscriber(_ context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Subscribers {
		cur := &s.doc.Subscribers[i]
		if cur.UserID == userID && cur.Active {
			cur.Active = false
			cur.UpdatedAt = time.Now().UTC()
			return true, s.saveLocked()
		}
	}
	return false, nil
}

func (s *fileStore) ActiveSubscribers(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for _, sub := range s.doc.Subscribers {
		if sub.Active {
			out = append(out, sub.UserID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *fileStore) ListSubscribers(context.Context) ([]Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Subscriber(nil), s.doc.Subscribers...), nil
}

// ---- feeds ----

func (s *fileStore) ActiveFeeds(context.Context) ([]FeedSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []FeedSource
	for _, f := range s.doc.Feeds {
		if f.Active {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *fileStore) ListFeeds(context.Context) ([]FeedSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FeedSource(nil), s.doc.Feeds...), nil
}

func (s *fileStore) AddFeed(_ context.Context, name, url string) (FeedSource, error) {
	name, url = strings.TrimSpace(name), strings.TrimSpace(url)
	if err := validFeedURL(url); err != nil {
		return FeedSource{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Feeds {
		if s.doc.Feeds[i].URL == url {
			s.doc.Feeds[i].Name = name
			s.doc.Feeds[i].Active = true
			return s.doc.Feeds[i], s.saveLocked()
		}
	}
	f := FeedSource{ID: s.nextIDLocked(), Name: name, URL: url, Active: true}
	s.doc.Feeds = append(s.doc.Feeds, f)
	return f, s.saveLocked()
}

func (s *fileStore) SetFeedActive(_ context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Feeds {
		if s.doc.Feeds[i].ID == id {
			s.doc.Feeds[i].Active = active
			return s.saveLocked()
		}
	}
	return fmt.Errorf("feeds %d: %w", id, ErrNotFound)
}

// ---- settings & schedule ----

func (s *fileStore) Settings(context.Context) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Settings == nil {
		return DefaultSettings(), nil
	}
	return *s.doc.Settings, nil
}

func (s *fileStore) SaveSettings(_ context.Context, st Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Settings = &st
	return s.saveLocked()
}

func (s *fileStore) SendTimes(context.Context) ([]SendTime, error) {
	s.mu.Lock()
	out := append([]SendTime(nil), s.doc.SendTimes...)
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Hour != out[j].Hour {
			return out[i].Hour < out[j].Hour
		}
		if out[i].Minute != out[j].Minute {
			return out[i].Minute < out[j].Minute
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) AddSendTime(_ context.Context, hour, minute int) (SendTime, error) {
	if err := validHM(hour, minute); err != nil {
		return SendTime{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := SendTime{ID: s.nextIDLocked(), Hour: hour, Minute: minute, Active: true}
	s.doc.SendTimes = append(s.doc.SendTimes, t)
	return t, s.saveLocked()
}

func (s *fileStore) SetSendTimeActive(_ context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.SendTimes {
		if s.doc.SendTimes[i].ID == id {
			s.doc.SendTimes[i].Active = active
			return s.saveLocked()
		}
	}
	return fmt.Errorf("send_times %d: %w", id, ErrNotFound)
}

// ---- news cache ----

func (s *fileStore) ReplaceNews(_ context.Context, items []NewsItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.News = append([]NewsItem(nil), items...)
	return s.saveLocked()
}

func (s *fileStore) LatestNews(_ context.Context, limit int) ([]NewsItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.doc.News)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]NewsItem(nil), s.doc.News[:n]...), nil
}

// ---- delivery log ----

func (s *fileStore) AppendDelivery(_ context.Context, r DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile == nil {
		return errors.New("delivery log closed")
	}
	if err := json.NewEncoder(s.logFile).Encode(r); err != nil {
		return err
	}
	s.deliveries = append(s.deliveries, r)
	if len(s.deliveries) > deliveryKeep {
		s.deliveries = s.deliveries[len(s.deliveries)-deliveryKeep:]
	}
	return nil
}

func (s *fileStore) RecentDeliveries(_ context.Context, n int) ([]DeliveryRecord, error) {
	if n <= 0 {
		n = 10
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeliveryRecord, 0, min(n, len(s.deliveries)))
	for i := len(s.deliveries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.deliveries[i])
	}
	return out, nil
}
