package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"digestbot/internal/delivery"
	"digestbot/internal/digest"
	"digestbot/internal/schedule"
	"digestbot/internal/storage"
	"digestbot/internal/transport/telegram/router"
	logx "digestbot/pkg/logx"
	"digestbot/pkg/tgui"
)

const (
	msgDisabled = "⚠️ Бот временно отключен администратором. Пожалуйста, попробуйте позже."
	msgUnknown  = "Я не понимаю эту команду. Воспользуйтесь меню или введите /помощь для списка доступных команд."
	msgSearch   = "🔍 <i>Ищу свежие новости...</i>"
	msgFailed   = "⚠️ Не удалось выполнить команду, попробуйте позже."

	commandList = "📋 <b>Доступные команды:</b>\n" +
		"/новости - получить свежие новости\n" +
		"/подписаться - подписаться на ежедневную рассылку\n" +
		"/отписаться - отписаться от рассылки\n" +
		"/помощь - показать список команд"
)

func (b *Bot) start(ctx context.Context, req *router.Request) error {
	text := "👋 Добро пожаловать в бот «" + tgui.Esc(b.d.Title).String() + "»!\n\n" +
		"Я буду присылать вам свежие новости из нескольких источников.\n\n" +
		commandList + "\n\n" +
		"Вы также можете использовать кнопки меню для удобства."
	return req.Reply(ctx, text, Keyboard())
}

func (b *Bot) help(ctx context.Context, req *router.Request) error {
	text := commandList + "\n\n" +
		"Вы также можете использовать кнопки меню для удобства.\n\n" +
		"Бот «" + tgui.Esc(b.d.Title).String() + "» автоматически рассылает новости из различных источников."
	return req.Reply(ctx, text, Keyboard())
}

func (b *Bot) news(ctx context.Context, req *router.Request) error {
	if err := req.Reply(ctx, msgSearch, nil); err != nil {
		return err
	}
	built := b.d.Digests.Build(ctx, digest.KindOnDemand)
	req.Logger.Info("on-demand digest built", logx.Int("entries", len(built.Entries)), logx.Bool("partial", built.Partial))
	return req.Reply(ctx, built.Text, Keyboard())
}

func (b *Bot) subscribe(ctx context.Context, req *router.Request) error {
	m := req.Message
	changed, err := b.d.Store.AddSubscriber(ctx, storage.Subscriber{
		UserID:    m.FromID,
		Username:  m.FromUsername,
		FirstName: m.FromFirstName,
		LastName:  m.FromLastName,
	})
	if err != nil {
		req.Logger.Error("subscribe failed", logx.Err(err))
		return req.Reply(ctx, msgFailed, Keyboard())
	}
	if !changed {
		return req.Reply(ctx, "ℹ️ Вы уже подписаны на рассылку новостей.", Keyboard())
	}
	st, err := b.d.Store.Settings(ctx)
	if err != nil {
		st = storage.DefaultSettings()
	}
	at := schedule.Entry{Hour: st.SendHour, Minute: st.SendMinute}.Key()
	req.Logger.Info("subscriber added")
	return req.Reply(ctx, "✅ Вы успешно подписались на ежедневную рассылку новостей!\n"+
		"Вы будете получать свежие новости каждый день в "+at+".", Keyboard())
}

func (b *Bot) unsubscribe(ctx context.Context, req *router.Request) error {
	changed, err := b.d.Store.RemoveSubscriber(ctx, req.FromID)
	if err != nil {
		req.Logger.Error("unsubscribe failed", logx.Err(err))
		return req.Reply(ctx, msgFailed, Keyboard())
	}
	if !changed {
		return req.Reply(ctx, "ℹ️ Вы не были подписаны на рассылку новостей.", Keyboard())
	}
	req.Logger.Info("subscriber removed")
	return req.Reply(ctx, "✅ Вы успешно отписались от рассылки новостей.", Keyboard())
}

func (b *Bot) sendNow(ctx context.Context, req *router.Request) error {
	if b.d.SendNow == nil {
		return req.Reply(ctx, msgFailed, nil)
	}
	if err := req.Reply(ctx, "⏳ Запускаю рассылку...", nil); err != nil {
		return err
	}
	rep, err := b.d.SendNow(ctx)
	return req.Reply(ctx, describeRun(rep, err), nil)
}

func describeRun(rep delivery.Report, err error) string {
	switch {
	case err != nil:
		return "❌ Рассылка не выполнена: " + tgui.Esc(err.Error()).String()
	case rep.Skipped == delivery.SkipInactive:
		return "⏸ Рассылка пропущена: бот отключен."
	case rep.Skipped == delivery.SkipNoSubscribers:
		return "ℹ️ Рассылка пропущена: нет активных подписчиков."
	case rep.Skipped == delivery.SkipNoNews:
		return "ℹ️ Рассылка пропущена: новостей не найдено."
	}
	s := fmt.Sprintf("✅ Рассылка завершена: доставлено %d из %d, новостей %d.",
		rep.Outcome.Succeeded, rep.Outcome.Attempted, rep.Entries)
	if rep.Partial {
		s += "\n⚠️ Часть источников недоступна."
	}
	return s
}

func (b *Bot) status(ctx context.Context, req *router.Request) error {
	now := b.d.Now()
	var l tgui.Lines
	l.Add(tgui.B("📊 Состояние рассылки"))

	if b.d.Digests.Active(ctx) {
		l.Add("Бот: ✅ включен")
	} else {
		l.Add("Бот: ⏸ отключен")
	}
	l.Addf("Часовой пояс: ", tgui.Code(b.d.ZoneName), tgui.Esc(", сейчас "+now.Format("02.01.2006 15:04")))

	l.Add("")
	l.Add(tgui.B("Расписание:"))
	for _, e := range b.d.Entries.ActiveEntries(ctx) {
		l.Addf("• ", tgui.Code(e.Key()), tgui.Esc(" → "+e.Next(now).Format("02.01 15:04")))
	}

	if subs, err := b.d.Store.ListSubscribers(ctx); err == nil {
		active := 0
		for _, s := range subs {
			if s.Active {
				active++
			}
		}
		l.Add(tgui.Esc(fmt.Sprintf("Подписчики: %d активных из %d", active, len(subs))))
	}

	if b.d.Scheduler != nil {
		snap := b.d.Scheduler.Snapshot()
		l.Add(tgui.Esc("Планировщик: " + snap.State.String() + ", слотов в памяти: " + strconv.Itoa(snap.Fired)))
	}
	if b.d.Runtime != nil {
		l.Add(tgui.Esc("Фоновые задачи: " + strconv.FormatInt(b.d.Runtime.Active(), 10)))
		if rc := b.d.Runtime.RestartCounts(); len(rc) > 0 {
			parts := make([]string, len(rc))
			for i, c := range rc {
				parts[i] = c.Name + " ×" + strconv.Itoa(c.Restarts)
			}
			l.Add(tgui.Esc("Перезапуски: " + strings.Join(parts, ", ")))
		} else {
			l.Add(tgui.I("перезапусков не было"))
		}
	}

	if recs, err := b.d.Store.RecentDeliveries(ctx, 1); err == nil && len(recs) > 0 {
		r := recs[0]
		l.Add("")
		l.Add(tgui.B("Последний запуск:"))
		l.Add(tgui.Esc(fmt.Sprintf("%s, %s: доставлено %d из %d",
			r.StartedAt.In(now.Location()).Format("02.01 15:04"), r.Kind, r.Succeeded, r.Attempted)))
		if r.Skipped != "" {
			l.Add(tgui.Esc("пропущен: " + r.Skipped))
		}
		if r.Error != "" {
			l.Add(tgui.Esc("ошибка: " + r.Error))
		}
	}
	return req.Reply(ctx, l.String(), nil)
}

func (b *Bot) times(ctx context.Context, req *router.Request) error {
	var l tgui.Lines
	l.Add(tgui.B("🕒 Время рассылки"))
	if st, err := b.d.Store.Settings(ctx); err == nil {
		l.Addf("Основное: ", tgui.Code(schedule.Entry{Hour: st.SendHour, Minute: st.SendMinute}.Key()))
	}
	ts, err := b.d.Store.SendTimes(ctx)
	if err != nil {
		return req.Reply(ctx, msgFailed, nil)
	}
	for _, t := range ts {
		l.Addf("• ", tgui.Code(schedule.Entry{Hour: t.Hour, Minute: t.Minute}.Key()), tgui.Esc(" "+onOff(t.Active)))
	}
	if len(ts) == 0 {
		l.Add("Дополнительных времен нет.")
	}
	return req.Reply(ctx, l.String(), nil)
}

func (b *Bot) feeds(ctx context.Context, req *router.Request) error {
	fs, err := b.d.Store.ListFeeds(ctx)
	if err != nil {
		return req.Reply(ctx, msgFailed, nil)
	}
	var l tgui.Lines
	l.Add(tgui.B("📡 Источники новостей"))
	for _, f := range fs {
		name := f.Name
		if strings.TrimSpace(name) == "" {
			name = f.URL
		}
		l.Addf(tgui.Esc(onOff(f.Active)+" "), tgui.Link(name, f.URL))
	}
	if len(fs) == 0 {
		l.Add("Источников нет.")
	}
	return req.Reply(ctx, l.String(), nil)
}

func (b *Bot) subscribers(ctx context.Context, req *router.Request) error {
	subs, err := b.d.Store.ListSubscribers(ctx)
	if err != nil {
		return req.Reply(ctx, msgFailed, nil)
	}
	var l tgui.Lines
	l.Add(tgui.B(fmt.Sprintf("👥 Подписчики (%d)", len(subs))))
	for i, s := range subs {
		if i == 50 {
			l.Add(tgui.Esc(fmt.Sprintf("… и еще %d", len(subs)-50)))
			break
		}
		name := strings.TrimSpace(s.FirstName + " " + s.LastName)
		if s.Username != "" {
			name = strings.TrimSpace(name + " @" + s.Username)
		}
		l.Addf(tgui.Esc(onOff(s.Active)+" "), tgui.Code(strconv.FormatInt(s.UserID, 10)), tgui.Esc(" "+name))
	}
	return req.Reply(ctx, l.String(), nil)
}

func onOff(active bool) string {
	if active {
		return "✅"
	}
	return "⏸"
}
