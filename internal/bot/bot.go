// Package bot holds the chat command table: subscriber commands, the on-demand digest
// and the owner's operational commands.
package bot

import (
	"context"
	"time"

	"digestbot/internal/delivery"
	"digestbot/internal/digest"
	rtsup "digestbot/internal/runtime/supervisor"
	"digestbot/internal/schedule"
	"digestbot/internal/storage"
	"digestbot/internal/transport/telegram/router"
	logx "digestbot/pkg/logx"
)

// Reply keyboard labels. They double as command triggers.
const (
	BtnNews        = "📰 Последние новости"
	BtnSubscribe   = "✅ Подписаться"
	BtnUnsubscribe = "❌ Отписаться"
	BtnHelp        = "ℹ️ Помощь"
)

// Keyboard is the persistent reply keyboard attached to user-facing replies.
func Keyboard() [][]string {
	return [][]string{
		{BtnNews},
		{BtnSubscribe, BtnUnsubscribe},
		{BtnHelp},
	}
}

type Store interface {
	AddSubscriber(ctx context.Context, s storage.Subscriber) (bool, error)
	RemoveSubscriber(ctx context.Context, userID int64) (bool, error)
	ListSubscribers(ctx context.Context) ([]storage.Subscriber, error)
	Settings(ctx context.Context) (storage.Settings, error)
	SendTimes(ctx context.Context) ([]storage.SendTime, error)
	ListFeeds(ctx context.Context) ([]storage.FeedSource, error)
	RecentDeliveries(ctx context.Context, n int) ([]storage.DeliveryRecord, error)
}

// Digests builds digests and reports the global active flag.
type Digests interface {
	Active(ctx context.Context) bool
	Build(ctx context.Context, kind digest.Kind) delivery.Built
}

type Entries interface {
	ActiveEntries(ctx context.Context) []schedule.Entry
}

// Counter counts handled commands. Optional.
type Counter interface {
	Command(name string)
}

type Deps struct {
	Store   Store
	Digests Digests
	Entries Entries
	// SendNow runs a manual broadcast through the delivery pipeline.
	SendNow func(ctx context.Context) (delivery.Report, error)
	// Scheduler is optional; /status shows its state when set.
	Scheduler interface {
		Snapshot() delivery.SchedulerSnapshot
	}
	// Runtime is optional; /status shows supervised goroutines and their restarts when set.
	Runtime interface {
		Active() int64
		RestartCounts() []rtsup.RestartCount
	}
	Now      func() time.Time
	ZoneName string
	Title    string
	Counter  Counter
}

type Bot struct {
	d   Deps
	log logx.Logger
}

func New(d Deps, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Title == "" {
		d.Title = "Дайджест новостей"
	}
	return &Bot{d: d, log: log}
}

// Commands is the dispatch table. Public commands answer with a "disabled" notice while
// the bot is switched off; owner commands always run.
func (b *Bot) Commands() []router.Command {
	public := []router.Command{
		{Name: "start", Description: "Начать работу с ботом", Menu: true, Handle: b.start},
		{Name: "news", Aliases: []string{"новости"}, Buttons: []string{BtnNews}, Description: "Свежие новости", Menu: true, Timeout: 2 * time.Minute, Handle: b.news},
		{Name: "subscribe", Aliases: []string{"подписаться"}, Buttons: []string{BtnSubscribe}, Description: "Подписаться на рассылку", Menu: true, Timeout: 15 * time.Second, Handle: b.subscribe},
		{Name: "unsubscribe", Aliases: []string{"отписаться"}, Buttons: []string{BtnUnsubscribe}, Description: "Отписаться от рассылки", Menu: true, Timeout: 15 * time.Second, Handle: b.unsubscribe},
		{Name: "help", Aliases: []string{"помощь"}, Buttons: []string{BtnHelp}, Description: "Список команд", Menu: true, Handle: b.help},
	}
	for i := range public {
		public[i].Handle = b.count(public[i].Name, b.requireActive(public[i].Handle))
	}

	owner := []router.Command{
		{Name: "sendnow", Description: "Разослать дайджест сейчас", Access: router.AccessOwnerOnly, Timeout: 10 * time.Minute, Handle: b.sendNow},
		{Name: "status", Description: "Состояние рассылки", Access: router.AccessOwnerOnly, Timeout: 15 * time.Second, Handle: b.status},
		{Name: "times", Description: "Время рассылки", Access: router.AccessOwnerOnly, Timeout: 15 * time.Second, Handle: b.times},
		{Name: "feeds", Description: "Источники новостей", Access: router.AccessOwnerOnly, Timeout: 15 * time.Second, Handle: b.feeds},
		{Name: "subscribers", Description: "Подписчики", Access: router.AccessOwnerOnly, Timeout: 15 * time.Second, Handle: b.subscribers},
	}
	for i := range owner {
		owner[i].Handle = b.count(owner[i].Name, owner[i].Handle)
	}
	return append(public, owner...)
}

func (b *Bot) count(name string, h router.HandlerFunc) router.HandlerFunc {
	if b.d.Counter == nil {
		return h
	}
	return func(ctx context.Context, req *router.Request) error {
		b.d.Counter.Command(name)
		return h(ctx, req)
	}
}

func (b *Bot) requireActive(h router.HandlerFunc) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		if !b.d.Digests.Active(ctx) {
			return req.Reply(ctx, msgDisabled, nil)
		}
		return h(ctx, req)
	}
}

// Fallback answers unmatched input with a hint, and stays silent while disabled.
func (b *Bot) Fallback(ctx context.Context, req *router.Request) error {
	if !b.d.Digests.Active(ctx) {
		return nil
	}
	if b.d.Counter != nil {
		b.d.Counter.Command("fallback")
	}
	return req.Reply(ctx, msgUnknown, Keyboard())
}
