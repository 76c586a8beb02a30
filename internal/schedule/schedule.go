// Package schedule resolves the set of enabled daily send times.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"digestbot/internal/storage"
	logx "digestbot/pkg/logx"
)

// Entry is one daily send time.
type Entry struct {
	Hour    int
	Minute  int
	Enabled bool
}

// Key is the "HH:MM" form used in fired-slot bookkeeping and logs.
func (e Entry) Key() string { return fmt.Sprintf("%02d:%02d", e.Hour, e.Minute) }

// At returns the entry's target instant on the calendar day of day, in day's location.
func (e Entry) At(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, e.Hour, e.Minute, 0, 0, day.Location())
}

// Next returns the first target strictly after now.
func (e Entry) Next(now time.Time) time.Time {
	spec, err := cron.ParseStandard(strconv.Itoa(e.Minute) + " " + strconv.Itoa(e.Hour) + " * * *")
	if err != nil {
		// Unreachable for validated entries; fall back to plain date math.
		t := e.At(now)
		if !t.After(now) {
			t = e.At(now.AddDate(0, 0, 1))
		}
		return t
	}
	return spec.Next(now)
}

// ParseEntry parses "HH:MM".
func ParseEntry(s string) (Entry, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return Entry{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return Entry{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return Entry{}, fmt.Errorf("invalid minute in %q", s)
	}
	return Entry{Hour: h, Minute: m, Enabled: true}, nil
}

// DefaultEntries is what the registry serves when the store has nothing usable.
func DefaultEntries() []Entry { return []Entry{{Hour: 8, Minute: 0, Enabled: true}} }

// Source is the slice of storage the registry reads.
type Source interface {
	Settings(ctx context.Context) (storage.Settings, error)
	SendTimes(ctx context.Context) ([]storage.SendTime, error)
}

type Registry struct {
	src      Source
	log      logx.Logger
	fallback []Entry
}

// NewRegistry builds a registry over src. An empty fallback means DefaultEntries.
func NewRegistry(src Source, fallback []Entry, log logx.Logger) *Registry {
	if len(fallback) == 0 {
		fallback = DefaultEntries()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{src: src, fallback: fallback, log: log}
}

// ActiveEntries returns the enabled send times: the primary time from settings plus every
// active additional time, deduplicated and ordered by time of day.
// It never fails; read errors and empty results yield the fallback set.
func (r *Registry) ActiveEntries(ctx context.Context) []Entry {
	if r.src == nil {
		return r.fallbackCopy()
	}
	var all []Entry

	st, err := r.src.Settings(ctx)
	if err != nil {
		r.log.Warn("schedule: settings unavailable, using default send times", logx.Err(err))
		return r.fallbackCopy()
	}
	all = append(all, Entry{Hour: st.SendHour, Minute: st.SendMinute, Enabled: true})

	times, err := r.src.SendTimes(ctx)
	if err != nil {
		r.log.Warn("schedule: send times unavailable, using default send times", logx.Err(err))
		return r.fallbackCopy()
	}
	for _, t := range times {
		all = append(all, Entry{Hour: t.Hour, Minute: t.Minute, Enabled: t.Active})
	}

	out := Normalize(all)
	if len(out) == 0 {
		r.log.Warn("schedule: no enabled send times, using default send times")
		return r.fallbackCopy()
	}
	return out
}

func (r *Registry) fallbackCopy() []Entry {
	return append([]Entry(nil), r.fallback...)
}

// Normalize drops disabled and out-of-range entries, removes duplicates and sorts by time of day.
func Normalize(in []Entry) []Entry {
	seen := make(map[int]struct{}, len(in))
	out := make([]Entry, 0, len(in))
	for _, e := range in {
		if !e.Enabled || e.Hour < 0 || e.Hour > 23 || e.Minute < 0 || e.Minute > 59 {
			continue
		}
		k := e.Hour*60 + e.Minute
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Hour*60+out[i].Minute < out[j].Hour*60+out[j].Minute
	})
	return out
}
