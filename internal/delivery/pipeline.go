// Package delivery runs the aggregate, format and dispatch pipeline and decides when
// scheduled runs are due.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"digestbot/internal/digest"
	"digestbot/internal/dispatch"
	"digestbot/internal/eventbus"
	"digestbot/internal/news"
	"digestbot/internal/storage"
	logx "digestbot/pkg/logx"
)

// Skip reasons reported when a run ends without sending.
const (
	SkipInactive      = "inactive"
	SkipNoSubscribers = "no_subscribers"
	SkipNoNews        = "no_news"
)

// Store is the slice of storage the pipeline touches.
type Store interface {
	Settings(ctx context.Context) (storage.Settings, error)
	ActiveSubscribers(ctx context.Context) ([]int64, error)
	ReplaceNews(ctx context.Context, items []storage.NewsItem) error
	AppendDelivery(ctx context.Context, r storage.DeliveryRecord) error
}

type Aggregator interface {
	FetchAll(ctx context.Context, perSourceLimit int) ([]news.Entry, bool)
}

type Dispatcher interface {
	SendAll(ctx context.Context, recipients []int64, text string) dispatch.Outcome
}

// Recorder receives every finished run. Optional.
type Recorder interface {
	RunFinished(r Report)
}

// Report describes one pipeline run.
type Report struct {
	RunID     string
	Kind      digest.Kind
	StartedAt time.Time
	Duration  time.Duration
	Entries   int
	Partial   bool
	Outcome   dispatch.Outcome
	Skipped   string
	Err       error
}

func (r Report) Record() storage.DeliveryRecord {
	rec := storage.DeliveryRecord{
		RunID:     r.RunID,
		Kind:      r.Kind.String(),
		StartedAt: r.StartedAt,
		Duration:  r.Duration,
		Entries:   r.Entries,
		Partial:   r.Partial,
		Attempted: r.Outcome.Attempted,
		Succeeded: r.Outcome.Succeeded,
		Skipped:   r.Skipped,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

// Built is a composed digest that has not been sent.
type Built struct {
	Text    string
	Entries []news.Entry
	Partial bool
}

type Deps struct {
	Store      Store
	Aggregator Aggregator
	Formatter  *digest.Formatter
	Dispatcher Dispatcher
	Now        func() time.Time
	Bus        eventbus.Bus
	Recorder   Recorder
}

type Pipeline struct {
	d   Deps
	log logx.Logger
}

func NewPipeline(d Deps, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Pipeline{d: d, log: log}
}

// settings never fails: a read error yields the defaults so delivery keeps working.
func (p *Pipeline) settings(ctx context.Context) storage.Settings {
	st, err := p.d.Store.Settings(ctx)
	if err != nil {
		p.log.Warn("delivery: settings unavailable, using defaults", logx.Err(err))
		return storage.DefaultSettings()
	}
	return st
}

// Active reports the global on/off flag.
func (p *Pipeline) Active(ctx context.Context) bool { return p.settings(ctx).Active }

// Build fetches news and composes a digest for kind without sending it.
// The fetched entries replace the cached news list.
func (p *Pipeline) Build(ctx context.Context, kind digest.Kind) Built {
	return p.build(ctx, kind, p.settings(ctx).NewsPerSource)
}

func (p *Pipeline) build(ctx context.Context, kind digest.Kind, limit int) Built {
	entries, partial := p.d.Aggregator.FetchAll(ctx, limit)
	if len(entries) > 0 {
		items := make([]storage.NewsItem, len(entries))
		for i, e := range entries {
			items[i] = e.Item()
		}
		if err := p.d.Store.ReplaceNews(ctx, items); err != nil {
			p.log.Warn("delivery: caching news failed", logx.Err(err))
		}
	}
	return Built{
		Text:    p.d.Formatter.Compose(entries, p.d.Now(), partial, kind),
		Entries: entries,
		Partial: partial,
	}
}

// Run executes one delivery. Scheduled runs honour the global active flag; manual runs
// do not. Partial send failures are reported in the Report, not as an error. The error
// is non-nil only when the recipient list could not be read.
func (p *Pipeline) Run(ctx context.Context, kind digest.Kind) (rep Report, err error) {
	rep = Report{RunID: uuid.NewString(), Kind: kind, StartedAt: p.d.Now()}
	log := p.log.With(logx.String("run", rep.RunID[:8]), logx.String("kind", kind.String()))
	p.publish(eventbus.TopicDeliveryStarted, rep)
	defer func() {
		rep.Duration = p.d.Now().Sub(rep.StartedAt)
		rep.Err = err
		p.finish(ctx, log, rep)
	}()

	st := p.settings(ctx)
	if kind == digest.KindScheduled && !st.Active {
		rep.Skipped = SkipInactive
		return rep, nil
	}

	subs, err := p.d.Store.ActiveSubscribers(ctx)
	if err != nil {
		return rep, fmt.Errorf("delivery: list subscribers: %w", err)
	}
	if len(subs) == 0 {
		rep.Skipped = SkipNoSubscribers
		return rep, nil
	}

	b := p.build(ctx, kind, st.NewsPerSource)
	rep.Entries, rep.Partial = len(b.Entries), b.Partial
	if len(b.Entries) == 0 {
		rep.Skipped = SkipNoNews
		return rep, nil
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	log.Info("delivery: sending digest", logx.Int("recipients", len(subs)), logx.Int("entries", rep.Entries), logx.Bool("partial", rep.Partial))
	rep.Outcome = p.d.Dispatcher.SendAll(ctx, subs, b.Text)
	return rep, nil
}

func (p *Pipeline) finish(ctx context.Context, log logx.Logger, rep Report) {
	fields := []logx.Field{
		logx.Int("attempted", rep.Outcome.Attempted),
		logx.Int("succeeded", rep.Outcome.Succeeded),
		logx.Duration("took", rep.Duration),
	}
	switch {
	case rep.Err != nil && !errors.Is(rep.Err, context.Canceled):
		log.Error("delivery: run failed", append(fields, logx.Err(rep.Err))...)
	case rep.Skipped == SkipNoNews:
		log.Warn("delivery: no news fetched, nothing sent")
	case rep.Skipped != "":
		log.Info("delivery: run skipped", logx.String("reason", rep.Skipped))
	default:
		log.Info("delivery: run finished", fields...)
	}

	// The log write must survive a shutdown that interrupted the run.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.d.Store.AppendDelivery(wctx, rep.Record()); err != nil {
		log.Warn("delivery: writing delivery log failed", logx.Err(err))
	}
	if p.d.Recorder != nil {
		p.d.Recorder.RunFinished(rep)
	}
	p.publish(eventbus.TopicDeliveryFinished, rep)
}

func (p *Pipeline) publish(topic string, rep Report) {
	if p.d.Bus != nil {
		p.d.Bus.Publish(eventbus.Event{Topic: topic, Data: rep})
	}
}
