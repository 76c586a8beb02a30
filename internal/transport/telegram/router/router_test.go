package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "digestbot/internal/transport"
	logx "digestbot/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return kit.MessageRef{}, nil
}

func msg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, Text: text}}
}

func newTestRouter(t *testing.T) (*Router, *[]string) {
	t.Helper()
	var hits []string
	record := func(name string) HandlerFunc {
		return func(_ context.Context, req *Request) error {
			hits = append(hits, name+":"+req.Command)
			return nil
		}
	}
	r := New(logx.Nop(), &fakeSender{}, []int64{1}, WithBotName("@DigestBot"))
	r.SetRegistry([]Command{
		{Name: "news", Aliases: []string{"новости"}, Buttons: []string{"📰 Последние новости"}, Menu: true, Handle: record("news")},
		{Name: "sendnow", Access: AccessOwnerOnly, Handle: record("sendnow")},
		{Name: "помощь", Menu: true, Handle: record("help")},
	}, record("fallback"))
	return r, &hits
}

func TestDispatchTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text string
		want string
	}{
		{"/news", "news:news"},
		{"/NEWS extra args", "news:news"},
		{"/news@digestbot", "news:news"},
		{"/Новости", "news:news"},
		{"  📰 Последние новости  ", "news:news"},
		{"/помощь", "help:помощь"},
		{"hello there", "fallback:fallback"},
		{"/unknown", "fallback:fallback"},
		{"/news@otherbot", "fallback:fallback"},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			r, hits := newTestRouter(t)
			require.NoError(t, r.Dispatch(context.Background(), msg(5, tc.text)))
			require.Len(t, *hits, 1)
			assert.Equal(t, tc.want, (*hits)[0])
		})
	}
}

func TestOwnerOnlyCommand(t *testing.T) {
	t.Parallel()

	r, hits := newTestRouter(t)
	sender := r.sender.(*fakeSender)

	require.NoError(t, r.Dispatch(context.Background(), msg(5, "/sendnow")))
	assert.Empty(t, *hits)
	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0], "администратору")

	require.NoError(t, r.Dispatch(context.Background(), msg(1, "/sendnow")))
	assert.Equal(t, []string{"sendnow:sendnow"}, *hits)
}

func TestGroupChatterIgnored(t *testing.T) {
	t.Parallel()

	r, hits := newTestRouter(t)
	up := msg(-100, "просто болтаем")
	up.Message.IsGroup = true
	require.NoError(t, r.Dispatch(context.Background(), up))
	assert.Empty(t, *hits)
}

func TestMenuCommandsOnlyTelegramSafe(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)
	menu := r.MenuCommands()
	require.Len(t, menu, 1)
	assert.Equal(t, "news", menu[0].Command)
}

func TestPanicRecovered(t *testing.T) {
	t.Parallel()

	r := New(logx.Nop(), &fakeSender{}, nil)
	r.SetRegistry([]Command{{Name: "boom", Handle: func(context.Context, *Request) error { panic("x") }}}, nil)
	err := r.Dispatch(context.Background(), msg(1, "/boom"))
	require.Error(t, err)
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Parallel()

	r := New(logx.Nop(), &fakeSender{}, nil)
	r.SetRegistry([]Command{{Name: "slow", Timeout: 10 * time.Millisecond, Handle: func(ctx context.Context, _ *Request) error {
		<-ctx.Done()
		return ctx.Err()
	}}}, nil)
	err := r.Dispatch(context.Background(), msg(1, "/slow"))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDispatchLoopStopsOnClose(t *testing.T) {
	t.Parallel()

	done := make(chan struct{}, 1)
	r := New(logx.Nop(), &fakeSender{}, nil, WithWorkers(2))
	r.SetRegistry([]Command{{Name: "ping", Handle: func(context.Context, *Request) error {
		done <- struct{}{}
		return nil
	}}}, nil)

	updates := make(chan kit.Update, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- r.DispatchLoop(context.Background(), updates) }()

	updates <- msg(1, "/ping")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not run")
	}
	close(updates)
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("loop did not stop")
	}
}
