// Package news fetches feed sources and merges them into one ordered list.
package news

import (
	"context"
	"sort"
	"sync"
	"time"

	"digestbot/internal/storage"
	logx "digestbot/pkg/logx"
)

// FeedLister is the slice of storage the aggregator reads.
type FeedLister interface {
	ActiveFeeds(ctx context.Context) ([]storage.FeedSource, error)
}

// Observer receives per-source outcomes. Optional.
type Observer interface {
	FeedFetched(source string, entries int, took time.Duration)
	FeedFailed(source string)
}

type Aggregator struct {
	feeds   FeedLister
	fetcher Fetcher
	workers int
	log     logx.Logger
	obs     Observer
}

type Option func(*Aggregator)

func WithWorkers(n int) Option       { return func(a *Aggregator) { a.workers = n } }
func WithObserver(o Observer) Option { return func(a *Aggregator) { a.obs = o } }

func NewAggregator(feeds FeedLister, fetcher Fetcher, log logx.Logger, opts ...Option) *Aggregator {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Aggregator{feeds: feeds, fetcher: fetcher, workers: 4, log: log}
	for _, o := range opts {
		o(a)
	}
	if a.workers < 1 {
		a.workers = 1
	}
	return a
}

// FetchAll fetches every active source concurrently and returns the merged entries, newest
// first, with undated entries last. partial is true when any source failed, was empty, or
// when no source could be listed at all.
func (a *Aggregator) FetchAll(ctx context.Context, perSourceLimit int) (entries []Entry, partial bool) {
	srcs, err := a.feeds.ActiveFeeds(ctx)
	if err != nil {
		a.log.Warn("news: listing feed sources failed", logx.Err(err))
		return nil, true
	}
	if len(srcs) == 0 {
		a.log.Warn("news: no active feed sources")
		return nil, true
	}

	results := make([][]Entry, len(srcs))
	failed := make([]bool, len(srcs))
	sem := make(chan struct{}, a.workers)
	var wg sync.WaitGroup
	for i, src := range srcs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				failed[i] = true
				return
			}
			defer func() { <-sem }()

			start := time.Now()
			got, err := a.fetcher.Fetch(ctx, src, perSourceLimit)
			if err == nil && len(got) == 0 {
				err = ErrEmptyFeed
			}
			if err != nil {
				failed[i] = true
				a.log.Warn("news: source failed", logx.String("url", src.URL), logx.Err(err))
				if a.obs != nil {
					a.obs.FeedFailed(src.URL)
				}
				return
			}
			if perSourceLimit > 0 && len(got) > perSourceLimit {
				got = got[:perSourceLimit]
			}
			results[i] = got
			if a.obs != nil {
				a.obs.FeedFetched(src.URL, len(got), time.Since(start))
			}
		}()
	}
	wg.Wait()

	for i := range srcs {
		partial = partial || failed[i]
		entries = append(entries, results[i]...)
	}
	entries = Dedupe(entries)
	SortByDate(entries)
	a.log.Debug("news: fetch complete", logx.Int("sources", len(srcs)), logx.Int("entries", len(entries)), logx.Bool("partial", partial))
	return entries, partial
}

// Dedupe keeps the first entry for each link. Entries without a link are kept.
func Dedupe(in []Entry) []Entry {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, e := range in {
		if e.Link != "" {
			if _, dup := seen[e.Link]; dup {
				continue
			}
			seen[e.Link] = struct{}{}
		}
		out = append(out, e)
	}
	return out
}

// SortByDate orders entries newest first; undated entries keep their relative order at the end.
func SortByDate(es []Entry) {
	sort.SliceStable(es, func(i, j int) bool {
		a, b := es[i].Published, es[j].Published
		if a.IsZero() != b.IsZero() {
			return !a.IsZero()
		}
		return a.After(b)
	})
}
