package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"digestbot/internal/clock"
	"digestbot/internal/config"
	"digestbot/internal/delivery"
	"digestbot/internal/digest"
	"digestbot/internal/dispatch"
	"digestbot/internal/eventbus"
	"digestbot/internal/news"
	"digestbot/internal/observability/metrics"
	"digestbot/internal/schedule"
	"digestbot/internal/storage"
	kit "digestbot/internal/transport"
	logx "digestbot/pkg/logx"
)

// Core is the delivery stack without the chat front end. The CLI drives it directly
// for previews and one-off broadcasts.
type Core struct {
	Config     *config.Config
	Durations  config.Durations
	Store      storage.Store
	Clock      *clock.Source
	Registry   *schedule.Registry
	Aggregator *news.Aggregator
	Formatter  *digest.Formatter
	Dispatcher *dispatch.Dispatcher
	Pipeline   *delivery.Pipeline
	Metrics    *metrics.Metrics
	Bus        eventbus.Bus
}

// NewCore opens storage, seeds it on first run and assembles the pipeline.
// sender may be nil when nothing will be broadcast.
func NewCore(ctx context.Context, cfg *config.Config, sender kit.Sender, log logx.Logger) (*Core, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	d, err := cfg.Durations()
	if err != nil {
		return nil, err
	}

	clk, err := clock.New(cfg.Schedule.Timezone, cfg.Schedule.FallbackUTCOffset)
	if err != nil {
		return nil, fmt.Errorf("clock: %w", err)
	}
	if clk.UsingFallback() {
		log.Warn("timezone database unavailable, using fixed offset",
			logx.String("zone", cfg.Schedule.Timezone), logx.String("offset", cfg.Schedule.FallbackUTCOffset))
	}
	if err := clk.Verify(time.Now()); err != nil {
		log.Warn("timezone check failed", logx.Err(err))
	}

	st, err := storage.Open(ctx, mapStorageConfig(cfg, d), log)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := storage.Seed(ctx, st, seedFeeds(cfg), cfg.Subscribers, log.With(logx.String("comp", "storage"))); err != nil {
		_ = st.Close()
		return nil, err
	}

	fallback := schedule.DefaultEntries()
	if e, err := schedule.ParseEntry(cfg.Schedule.DefaultTime); err == nil {
		fallback = []schedule.Entry{e}
	}

	m := metrics.New()
	bus := eventbus.New()

	fetcher := news.NewGoFeedFetcher(news.GoFeedConfig{
		Timeout:      d.FetchTimeout,
		UserAgent:    cfg.Feeds.UserAgent,
		SummaryLimit: cfg.Feeds.SummaryLimit,
	})
	agg := news.NewAggregator(st, fetcher, log.With(logx.String("comp", "news")),
		news.WithWorkers(cfg.Feeds.Workers), news.WithObserver(m))

	fmtr := digest.NewFormatter(clk.Location(), digest.WithZoneLabel(zoneLabel(clk)))

	disp := dispatch.New(mapDispatchConfig(cfg, d), sender, log.With(logx.String("comp", "dispatch")))
	disp.SetObserver(m)

	c := &Core{
		Config:     cfg,
		Durations:  d,
		Store:      st,
		Clock:      clk,
		Registry:   schedule.NewRegistry(st, fallback, log.With(logx.String("comp", "schedule"))),
		Aggregator: agg,
		Formatter:  fmtr,
		Dispatcher: disp,
		Metrics:    m,
		Bus:        bus,
	}
	c.Pipeline = delivery.NewPipeline(delivery.Deps{
		Store:      st,
		Aggregator: agg,
		Formatter:  fmtr,
		Dispatcher: disp,
		Now:        clk.Current,
		Bus:        bus,
		Recorder:   m,
	}, log.With(logx.String("comp", "delivery")))
	return c, nil
}

func (c *Core) Close() error {
	if c == nil || c.Store == nil {
		return nil
	}
	return c.Store.Close()
}

// Preview renders the digest a scheduled run would send, without sending it.
func (c *Core) Preview(ctx context.Context) (delivery.Built, error) {
	if c == nil {
		return delivery.Built{}, errors.New("core not initialized")
	}
	return c.Pipeline.Build(ctx, digest.KindScheduled), nil
}

// zoneLabel is the short zone name shown in digest headers.
func zoneLabel(clk *clock.Source) string {
	if clk.Location().String() == clock.DefaultZone {
		return "MSK"
	}
	return clk.Label()
}

func mapDispatchConfig(cfg *config.Config, d config.Durations) dispatch.Config {
	return dispatch.Config{
		Workers:     cfg.Dispatch.Workers,
		RatePerSec:  cfg.Dispatch.RatePerSec,
		SendTimeout: d.SendTimeout,
		RetryMax:    cfg.Dispatch.RetryMax,
	}
}

func mapSchedulerConfig(d config.Durations) delivery.SchedulerConfig {
	return delivery.SchedulerConfig{
		PollInterval:  d.PollInterval,
		DueWindow:     d.DueWindow,
		FirePause:     d.FirePause,
		ErrorCooldown: d.ErrorCooldown,
		ShutdownGrace: d.ShutdownGrace,
	}
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.LogChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: max(1, int(cfg.Logging.Telegram.RatePerSec)),
		},
	}
}

func mapMetricsConfig(cfg *config.Config) metrics.ServerConfig {
	return metrics.ServerConfig{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.Addr,
		Token:   cfg.Metrics.Token,
		Pprof:   cfg.Metrics.Pprof,
	}
}
