package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"digestbot/internal/bot"
	"digestbot/internal/config"
	"digestbot/internal/delivery"
	"digestbot/internal/digest"
	"digestbot/internal/eventbus"
	"digestbot/internal/observability/metrics"
	rtsup "digestbot/internal/runtime/supervisor"
	kit "digestbot/internal/transport"
	telegram "digestbot/internal/transport/telegram/adapter"
	"digestbot/internal/transport/telegram/router"
	logx "digestbot/pkg/logx"
	"digestbot/pkg/tgui"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	core    *Core
	runner  *serialRunner
	adapter *telegram.Adapter
	router  *router.Router
	bot     *bot.Bot
	sched   *delivery.Scheduler
	msrv    *metrics.Server

	updates  chan kit.Update
	lastBeat atomic.Int64
	stale    time.Duration
}

// New loads the config, connects to Telegram and assembles every component.
// Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return nil, fmt.Errorf("telegram.token is empty (set it in %s or %s)", cfgPath, config.EnvToken)
	}
	d, err := cfg.Durations()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: d.PollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), ad)
	appLog := log.With(logx.String("comp", "app"))

	core, err := NewCore(ctx, cfg, ad, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		core:    core,
		runner:  newSerialRunner(core.Pipeline),
		adapter: ad,
		updates: make(chan kit.Update, 256),
		stale:   staleAfter(d.PollInterval, d.FirePause, d.ErrorCooldown),
	}

	a.sched = delivery.NewScheduler(mapSchedulerConfig(d), core.Clock.Current, core.Registry, a.runner,
		log.With(logx.String("comp", "scheduler")), delivery.WithHeartbeat(a.beat))

	a.bot = bot.New(bot.Deps{
		Store:     core.Store,
		Digests:   core.Pipeline,
		Entries:   core.Registry,
		SendNow:   a.SendNow,
		Scheduler: a.sched,
		Runtime:   supervisorView{a},
		Now:       core.Clock.Current,
		ZoneName:  core.Clock.Label(),
		Counter:   core.Metrics,
	}, log.With(logx.String("comp", "bot")))

	a.router = router.New(log.With(logx.String("comp", "router")), ad, cfg.Telegram.OwnerUserIDs,
		router.WithBotName(ad.Username()))
	a.router.SetRegistry(a.bot.Commands(), a.bot.Fallback)

	a.msrv = metrics.NewServer(mapMetricsConfig(cfg), core.Metrics, a.health, log.With(logx.String("comp", "metrics")))
	return a, nil
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	run := a.sup.Context()

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	mctx, cancel := context.WithTimeout(run, 10*time.Second)
	if err := a.adapter.UpdateMenuCommands(mctx, a.router.MenuCommands()); err != nil {
		a.log.Warn("updating command menu failed", logx.Err(err))
	}
	cancel()

	a.msrv.Start(run)

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.sup.Go("delivery.scheduler", a.sched.Run)
	a.sup.GoRestart0("delivery.alerts", a.alertLoop,
		rtsup.WithMaxRestarts(5), rtsup.WithFatalOnFinalError(true))
	a.sup.GoRestart0("config.reload", a.reloadLoop,
		rtsup.WithMaxRestarts(5), rtsup.WithFatalOnFinalError(true))
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", a.watchdogLoop)

	entries := a.core.Registry.ActiveEntries(run)
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key()
	}
	now := a.core.Clock.Current()
	a.log.Info("app started",
		logx.String("zone", a.core.Clock.Label()),
		logx.Time("now", now),
		logx.Duration("host_drift", a.core.Clock.Drift(now)),
		logx.String("send_times", strings.Join(keys, ",")))
	a.sdNotify(daemon.SdNotifyReady)
	return nil
}

// SendNow runs a manual broadcast. It is refused while another run is in flight.
func (a *App) SendNow(ctx context.Context) (delivery.Report, error) {
	return a.runner.Run(ctx, digest.KindManual)
}

// supervisorView exposes the app supervisor to /status; it is nil until Start.
type supervisorView struct{ a *App }

func (v supervisorView) Active() int64 { return v.a.sup.Active() }

func (v supervisorView) RestartCounts() []rtsup.RestartCount { return v.a.sup.RestartCounts() }

func (a *App) beat() {
	a.lastBeat.Store(time.Now().UnixNano())
	a.core.Metrics.SchedulerCycle(time.Now())
}

// health fails when the scheduler loop has not completed a cycle recently.
// A long run in progress counts as healthy.
func (a *App) health() error {
	if a.sched.State() == delivery.StateFiring {
		return nil
	}
	last := a.lastBeat.Load()
	if last == 0 {
		return errors.New("scheduler has not completed a cycle yet")
	}
	if age := time.Since(time.Unix(0, last)); age > a.stale {
		return fmt.Errorf("scheduler heartbeat is %s old", age.Round(time.Second))
	}
	return nil
}

// alertLoop tells the owners about runs that failed outright or reached nobody.
func (a *App) alertLoop(ctx context.Context) {
	events, unsub := a.core.Bus.Subscribe(16, eventbus.TopicDeliveryFinished)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			rep, ok := e.Data.(delivery.Report)
			if !ok {
				continue
			}
			text := alertText(rep)
			if text == "" {
				continue
			}
			for _, id := range a.cfgm.Get().Telegram.OwnerUserIDs {
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				_, err := a.adapter.SendText(sctx, kit.ChatTarget{ChatID: id}, text, &kit.SendOptions{ParseMode: kit.ParseModeHTML, DisablePreview: true})
				cancel()
				if err != nil {
					a.log.Warn("owner alert failed", logx.Int64("owner", id), logx.Err(err))
				}
			}
		}
	}
}

func alertText(rep delivery.Report) string {
	var l tgui.Lines
	switch {
	case rep.Err != nil && !errors.Is(rep.Err, context.Canceled):
		l.Add(tgui.B("❌ Рассылка не выполнена"))
		l.Add(tgui.Esc(rep.Err.Error()))
	case rep.Outcome.Attempted > 0 && rep.Outcome.Succeeded == 0:
		l.Add(tgui.B("❌ Рассылка никому не доставлена"))
		l.Add(tgui.Esc("получателей: " + strconv.Itoa(rep.Outcome.Attempted)))
	case rep.Skipped == delivery.SkipNoNews && rep.Kind == digest.KindScheduled:
		l.Add(tgui.B("⚠️ Плановая рассылка пропущена: новостей не найдено"))
	default:
		return ""
	}
	l.Addf(tgui.Esc("запуск "), tgui.Code(rep.RunID), tgui.Esc(", "+rep.Kind.String()))
	return l.String()
}

// reloadLoop applies hot-reloadable sections. Storage, schedule and feed changes
// need a restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			changed := config.Changed(last, cfg)
			last = cfg

			d, err := cfg.Durations()
			if err != nil {
				a.log.Warn("reloaded config has bad durations; keeping previous", logx.Err(err))
				continue
			}
			a.logs.Apply(mapLoggingConfig(cfg))
			a.router.SetOwners(cfg.Telegram.OwnerUserIDs)
			a.core.Dispatcher.Apply(mapDispatchConfig(cfg, d))
			a.msrv.Reconfigure(ctx, mapMetricsConfig(cfg))

			for _, s := range changed {
				switch s {
				case "storage", "schedule", "feeds", "telegram":
					a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
				}
			}
			a.core.Bus.Publish(eventbus.Event{Topic: eventbus.TopicConfigReloaded, Data: changed})
			a.log.Info("config applied", logx.String("changed", strings.Join(changed, ",")))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// Cancel first so every loop starts unwinding; an in-flight run keeps its grace period.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("metrics", time.Second, func(c context.Context) error { a.msrv.Stop(c); return nil })
	// Waits for the scheduler, which may still be sending within its grace period.
	step("supervisor", a.core.Durations.ShutdownGrace+5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 2*time.Second, func(context.Context) error { return a.core.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
