// Package digest renders aggregated news into a Telegram HTML message.
package digest

import (
	"strconv"
	"strings"
	"time"

	"digestbot/internal/news"
	"digestbot/pkg/tgui"
)

// Kind selects the header and footer a digest is wrapped in.
type Kind int

const (
	KindScheduled Kind = iota // automatic delivery to subscribers
	KindManual                // owner-triggered broadcast
	KindOnDemand              // reply to a single /news request
)

func (k Kind) String() string {
	switch k {
	case KindScheduled:
		return "scheduled"
	case KindManual:
		return "manual"
	case KindOnDemand:
		return "on_demand"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

const (
	Separator     = "─────────────────"
	NoNews        = "🔍 К сожалению, новостей не найдено."
	PartialNotice = "⚠️ <i>Некоторые источники новостей временно недоступны</i>"
	Footer        = "<i>Это автоматическая рассылка новостей. Чтобы отписаться, используйте команду /отписаться</i>"

	unknownSource = "Неизвестный источник"
	readMore      = "Читать полностью"
	stampLayout   = "02.01.2006 15:04"
)

type Formatter struct {
	loc          *time.Location
	zoneLabel    string
	summaryLimit int
}

type Option func(*Formatter)

// WithZoneLabel sets the label printed after the header timestamp (default "MSK").
func WithZoneLabel(label string) Option {
	return func(f *Formatter) {
		if strings.TrimSpace(label) != "" {
			f.zoneLabel = label
		}
	}
}

// WithSummaryLimit caps the per-item summary, in runes, ellipsis included.
func WithSummaryLimit(n int) Option {
	return func(f *Formatter) {
		if n > 0 {
			f.summaryLimit = n
		}
	}
}

func NewFormatter(loc *time.Location, opts ...Option) *Formatter {
	if loc == nil {
		loc = time.UTC
	}
	f := &Formatter{loc: loc, zoneLabel: "MSK", summaryLimit: 150}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Render groups entries by source in first-seen order and renders the digest body.
// An empty list renders NoNews.
func (f *Formatter) Render(entries []news.Entry, ts time.Time) string {
	if len(entries) == 0 {
		return NoNews
	}

	var order []string
	groups := make(map[string][]news.Entry)
	for _, e := range entries {
		src := strings.TrimSpace(e.Source)
		if src == "" {
			src = unknownSource
		}
		if _, ok := groups[src]; !ok {
			order = append(order, src)
		}
		groups[src] = append(groups[src], e)
	}

	parts := make([]string, 0, 1+len(entries)+2*len(order))
	parts = append(parts, "📰 "+tgui.B("НОВОСТИ НА "+f.stamp(ts)+" ("+f.zoneLabel+")").String())
	for i, src := range order {
		items := groups[src]
		parts = append(parts, "🗞 "+tgui.B(src).String()+" ("+strconv.Itoa(len(items))+")")
		for _, e := range items {
			parts = append(parts, f.item(e))
		}
		if i < len(order)-1 {
			parts = append(parts, Separator)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (f *Formatter) item(e news.Entry) string {
	var l tgui.Lines
	title := tgui.B(e.Title)
	if !e.Published.IsZero() {
		l.Addf("📰 ", title, tgui.Esc(" ("+f.stamp(e.Published)+")"))
	} else {
		l.Addf("📰 ", title)
	}
	if s := tgui.TruncDots(news.StripTags(e.Summary), f.summaryLimit); s != "" {
		l.Add(tgui.Esc(s))
	}
	if e.Link != "" {
		l.Addf("🔗 ", tgui.Link(readMore, e.Link))
	}
	return l.String()
}

// Compose wraps Render with the header and footer for kind, adding PartialNotice when
// some sources were unavailable.
func (f *Formatter) Compose(entries []news.Entry, ts time.Time, partial bool, kind Kind) string {
	var b strings.Builder
	switch kind {
	case KindScheduled:
		b.WriteString("🗞 " + tgui.B("Ежедневная рассылка новостей на "+f.stamp(ts)+" ("+f.zoneLabel+"):").String() + "\n\n")
	case KindManual:
		b.WriteString("🗞 " + tgui.B("Свежие новости на "+f.stamp(ts)+":").String() + "\n\n")
	}
	b.WriteString(f.Render(entries, ts))
	if partial {
		b.WriteString("\n\n" + PartialNotice)
	}
	if kind != KindOnDemand {
		b.WriteString("\n\n" + Footer)
	}
	return b.String()
}

func (f *Formatter) stamp(t time.Time) string {
	return t.In(f.loc).Format(stampLayout)
}
