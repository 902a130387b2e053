package telegram

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	coreconfig "github.com/m3rciful/marketbot/core/config"
	"github.com/m3rciful/marketbot/core/telegram/commands"
)

type fakeAPI struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	method := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "getMe":
		_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Market","username":"market_bot"}}`)
	case "getUpdates":
		time.Sleep(10 * time.Millisecond)
		_, _ = io.WriteString(w, `{"ok":true,"result":[]}`)
	default:
		_, _ = io.WriteString(w, `{"ok":true,"result":true}`)
	}
}

func (f *fakeAPI) called(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == method {
			return true
		}
	}
	return false
}

func TestRunTelegramLifecycle(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	cfg := &coreconfig.Config{Telegram: coreconfig.TelegramConfig{Token: "1:test", LongPollTimeoutSeconds: 1}}
	require.NoError(t, coreconfig.Normalize(cfg))

	reg := NewRegistry()
	require.NoError(t, reg.RegisterCommand(commands.Command{
		Name: "/start", Description: "Start", Handler: func(tele.Context) error { return nil },
	}))

	ctx, cancel := context.WithCancel(context.Background())
	var started, stopped bool
	err := RunTelegram(ctx, RunOptions{
		Config:   cfg,
		Registry: reg,
		APIURL:   srv.URL,
		Client:   ClientOptions{Retries: 1, RetryBackoff: time.Millisecond},
		OnStart: func(_ context.Context, rt Runtime) error {
			started = rt.Bot != nil && rt.Dispatcher != nil && rt.Registry == reg
			time.AfterFunc(50*time.Millisecond, cancel)
			return nil
		},
		OnStop: func(ctx context.Context, _ Runtime) error {
			stopped = ctx.Err() == nil
			return nil
		},
	})
	require.NoError(t, err)
	assert.True(t, started)
	assert.True(t, stopped, "stop hook gets a live context")
	assert.True(t, api.called("getMe"))
	assert.True(t, api.called("deleteWebhook"))
	assert.True(t, api.called("setMyCommands"))
}

func TestRunTelegramRequiresConfig(t *testing.T) {
	assert.Error(t, RunTelegram(context.Background(), RunOptions{}))
}
