package news

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"digestbot/internal/storage"
)

// Entry is one news item produced by a fetch cycle. A zero Published means the feed gave no date.
type Entry struct {
	Title     string
	Link      string
	Source    string
	Summary   string // sanitized HTML
	Published time.Time
}

func (e Entry) Item() storage.NewsItem {
	return storage.NewsItem{Title: e.Title, Link: e.Link, Source: e.Source, Summary: e.Summary, PublishedAt: e.Published}
}

func FromItem(it storage.NewsItem) Entry {
	return Entry{Title: it.Title, Link: it.Link, Source: it.Source, Summary: it.Summary, Published: it.PublishedAt}
}

const untitled = "Без заголовка"

// ErrEmptyFeed is reported for a feed that parsed but carried no items.
var ErrEmptyFeed = errors.New("feed has no items")

// Fetcher loads up to limit entries from one feed source.
type Fetcher interface {
	Fetch(ctx context.Context, src storage.FeedSource, limit int) ([]Entry, error)
}

type GoFeedConfig struct {
	Timeout      time.Duration
	UserAgent    string
	SummaryLimit int
}

// GoFeedFetcher fetches RSS/Atom/JSON feeds over HTTP.
type GoFeedFetcher struct {
	cfg    GoFeedConfig
	client *http.Client
}

func NewGoFeedFetcher(cfg GoFeedConfig) *GoFeedFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = "digestbot/1.0 (+https://core.telegram.org/bots)"
	}
	if cfg.SummaryLimit <= 0 {
		cfg.SummaryLimit = 300
	}
	return &GoFeedFetcher{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (f *GoFeedFetcher) Fetch(ctx context.Context, src storage.FeedSource, limit int) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	p := gofeed.NewParser()
	p.UserAgent = f.cfg.UserAgent
	p.Client = f.client
	feed, err := p.ParseURLWithContext(src.URL, ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", src.URL, err)
	}
	if len(feed.Items) == 0 {
		return nil, fmt.Errorf("fetch %s: %w", src.URL, ErrEmptyFeed)
	}
	return convertFeed(feed, src, limit, f.cfg.SummaryLimit), nil
}

func convertFeed(feed *gofeed.Feed, src storage.FeedSource, limit, summaryLimit int) []Entry {
	source := SourceName(strings.TrimSpace(feed.Title), src)
	items := feed.Items
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]Entry, 0, len(items))
	for _, it := range items {
		if it == nil {
			continue
		}
		e := Entry{Source: source}

		e.Title = StripTags(it.Title)
		if e.Title == "" {
			e.Title = untitled
		}
		e.Link = strings.TrimSpace(it.Link)
		if e.Link == "" {
			e.Link = strings.TrimSpace(it.GUID)
		}

		raw := it.Description
		if strings.TrimSpace(StripTags(raw)) == "" {
			raw = it.Content
		}
		if strings.TrimSpace(StripTags(raw)) == "" {
			raw = e.Title
		}
		e.Summary = Sanitize(raw, summaryLimit)

		switch {
		case it.PublishedParsed != nil:
			e.Published = *it.PublishedParsed
		case it.UpdatedParsed != nil:
			e.Published = *it.UpdatedParsed
		}
		out = append(out, e)
	}
	return out
}

// SourceName picks the display name of a feed: its own title, else the configured
// name, else the URL host without "www.".
func SourceName(feedTitle string, src storage.FeedSource) string {
	if feedTitle != "" {
		return feedTitle
	}
	if n := strings.TrimSpace(src.Name); n != "" {
		return n
	}
	if u, err := url.Parse(src.URL); err == nil && u.Host != "" {
		return strings.TrimPrefix(u.Hostname(), "www.")
	}
	return src.URL
}
