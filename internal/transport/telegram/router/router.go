package router

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "digestbot/internal/runtime/supervisor"
	kit "digestbot/internal/transport"
	logx "digestbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

// Command is one entry of the dispatch table.
// A message matches when its first word is "/"+Name or "/"+alias (case-insensitive,
// @botname suffix ignored), or when the whole trimmed text equals one of Buttons.
type Command struct {
	Name        string
	Aliases     []string
	Buttons     []string
	Description string
	Access      Access
	// Menu publishes the command in Telegram's /menu list. Only [a-z0-9_] names qualify.
	Menu    bool
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string

	Sender kit.Sender
	Logger logx.Logger
	Owner  bool
}

// Reply sends an HTML message back to the originating chat.
func (r *Request) Reply(ctx context.Context, text string, keyboard [][]string) error {
	_, err := r.Sender.SendText(ctx, r.Chat, text, &kit.SendOptions{
		ParseMode:      kit.ParseModeHTML,
		DisablePreview: true,
		Keyboard:       keyboard,
	})
	return err
}

type Router struct {
	log    logx.Logger
	sender kit.Sender

	mu       sync.RWMutex
	table    map[string]Command
	cmds     []Command
	fallback HandlerFunc
	owners   []int64
	botName  string
	denied   string

	workers int
	jobs    chan func()
}

type Option func(*Router)

func WithWorkers(n int) Option { return func(r *Router) { r.workers = n } }

// WithBotName sets the @handle stripped from "/cmd@handle" in groups.
func WithBotName(name string) Option {
	return func(r *Router) { r.botName = strings.ToLower(strings.TrimPrefix(name, "@")) }
}

// WithDeniedText sets the reply for owner-only commands sent by others.
func WithDeniedText(s string) Option { return func(r *Router) { r.denied = s } }

func New(log logx.Logger, sender kit.Sender, owners []int64, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:     log,
		sender:  sender,
		table:   map[string]Command{},
		owners:  append([]int64(nil), owners...),
		workers: 4,
		denied:  "⛔ Команда доступна только администратору.",
	}
	for _, o := range opts {
		o(r)
	}
	if r.workers < 1 {
		r.workers = 1
	}
	r.jobs = make(chan func(), 256)
	return r
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe to call during hot-reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) IsOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return isOwner(id, r.owners)
}

// SetRegistry replaces the dispatch table. fallback handles every unmatched message.
func (r *Router) SetRegistry(cmds []Command, fallback HandlerFunc) {
	table := make(map[string]Command, len(cmds)*3)
	kept := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Handle == nil || strings.TrimSpace(c.Name) == "" {
			continue
		}
		kept = append(kept, c)
		for _, name := range append([]string{c.Name}, c.Aliases...) {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			table["/"+name] = c
		}
		for _, b := range c.Buttons {
			if b = strings.TrimSpace(b); b != "" {
				table[b] = c
			}
		}
	}
	r.mu.Lock()
	r.table = table
	r.cmds = kept
	r.fallback = fallback
	r.mu.Unlock()
}

// MenuCommands returns the Telegram-safe commands flagged for the /menu list.
func (r *Router) MenuCommands() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.cmds))
	for _, c := range r.cmds {
		if !c.Menu || !telegramSafe(c.Name) {
			continue
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

func telegramSafe(name string) bool {
	if name == "" || len(name) > 32 {
		return false
	}
	for _, ch := range name {
		if (ch < 'a' || ch > 'z') && (ch < '0' || ch > '9') && ch != '_' {
			return false
		}
	}
	return true
}

// resolveKey returns the table key for a message text and the remaining arguments.
func resolveKey(text, botName string) (string, []string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return text, nil
	}
	fields := strings.Fields(text)
	word := strings.ToLower(fields[0])
	if i := strings.IndexByte(word, '@'); i >= 0 {
		// Commands addressed to another bot are not ours.
		if botName != "" && word[i+1:] != botName {
			return "", nil
		}
		word = word[:i]
	}
	return word, fields[1:]
}

// Match looks up the command for a message text. ok is false when the fallback applies.
func (r *Router) Match(text string) (Command, []string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, args := resolveKey(text, r.botName)
	c, ok := r.table[key]
	return c, args, ok
}

// Dispatch routes one update synchronously through the middleware chain.
func (r *Router) Dispatch(ctx context.Context, up kit.Update) error {
	job := r.prepare(ctx, up)
	if job == nil {
		return nil
	}
	return job()
}

func (r *Router) prepare(ctx context.Context, up kit.Update) func() error {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return nil
	}
	msg := up.Message
	if strings.TrimSpace(msg.Text) == "" {
		return nil
	}

	r.mu.RLock()
	botName := r.botName
	owner := isOwner(msg.FromID, r.owners)
	fallback := r.fallback
	denied := r.denied
	r.mu.RUnlock()

	cmd, args, ok := r.Match(msg.Text)
	name := cmd.Name
	handle := cmd.Handle
	timeout := cmd.Timeout
	if !ok {
		key, _ := resolveKey(msg.Text, botName)
		// Group chatter is ignored; only explicit commands get the fallback reply.
		if msg.IsGroup && !strings.HasPrefix(key, "/") {
			return nil
		}
		if fallback == nil {
			return nil
		}
		name, handle, timeout = "fallback", fallback, 0
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Update:  up,
		Message: msg,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID},
		FromID:  msg.FromID,
		Command: name,
		Args:    args,
		ReqID:   rid,
		Sender:  r.sender,
		Owner:   owner,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", name),
		),
	}

	if ok && cmd.Access == AccessOwnerOnly && !owner {
		handle = func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, denied, nil)
		}
	}

	final := Chain(handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	return func() error { return final(ctx, req) }
}

// DispatchLoop consumes updates until ctx is done or the channel closes,
// running handlers on a bounded worker pool.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers), logx.Int("job_queue_cap", cap(r.jobs)))

	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					func() {
						defer func() {
							if p := recover(); p != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			job := r.prepare(ctx, up)
			if job == nil {
				continue
			}
			select {
			case r.jobs <- func() { _ = job() }:
			default:
				if up.Message != nil {
					_, _ = r.sender.SendText(ctx, kit.ChatTarget{ChatID: up.Message.ChatID}, "⏳ Бот перегружен, попробуйте чуть позже.", nil)
				}
			}
		}
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
