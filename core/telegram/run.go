// Package telegram hosts the bot runtime: poller and HTTP client setup,
// the command and callback registry, global middlewares and the outbound
// sender lifecycle.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	coreconfig "github.com/m3rciful/marketbot/core/config"
	"github.com/m3rciful/marketbot/core/logger"
	tghelpers "github.com/m3rciful/marketbot/core/telegram/helpers"
	tgsender "github.com/m3rciful/marketbot/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// Middleware is a named global middleware installed with bot.Use.
type Middleware struct {
	Name string
	Use  tele.MiddlewareFunc
}

// Route binds a handler to a telebot endpoint (a command string, a
// tele.On* constant or a button).
type Route struct {
	Endpoint any
	Handler  tele.HandlerFunc
}

// RunOptions configures RunTelegram.
type RunOptions struct {
	Config   *coreconfig.Config
	Registry *Registry
	// APIURL overrides DefaultAPIURL.
	APIURL string

	Client ClientOptions
	Sender tgsender.Options

	Middlewares []Middleware
	Routes      []Route

	// Synchronous makes the poller run handlers inline, in arrival order.
	Synchronous bool
	// KeepWebhook skips the deleteWebhook call made before long polling.
	KeepWebhook bool

	OnStart func(ctx context.Context, rt Runtime) error
	OnStop  func(ctx context.Context, rt Runtime) error
}

// Runtime is handed to the lifecycle hooks.
type Runtime struct {
	Bot        *tele.Bot
	Dispatcher *tgsender.Dispatcher
	Registry   *Registry
}

// RunTelegram builds the bot and serves updates until ctx is done. A
// cancelled ctx is a clean shutdown and yields nil.
func RunTelegram(ctx context.Context, opts RunOptions) error {
	if opts.Config == nil {
		return errors.New("telegram: nil config")
	}
	if opts.APIURL == "" {
		opts.APIURL = DefaultAPIURL
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}

	rt, err := newRuntime(ctx, opts)
	if err != nil {
		return err
	}
	tghelpers.SetDispatcher(rt.Dispatcher)
	defer func() {
		tghelpers.SetDispatcher(nil)
		rt.Dispatcher.Close()
	}()

	if opts.OnStart != nil {
		if err := opts.OnStart(ctx, rt); err != nil {
			return err
		}
	}
	runErr := serve(ctx, rt.Bot)
	if opts.OnStop != nil {
		if err := opts.OnStop(context.WithoutCancel(ctx), rt); err != nil {
			return err
		}
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func newRuntime(ctx context.Context, opts RunOptions) (Runtime, error) {
	cfg := opts.Config
	poller := BuildPoller(cfg)
	client := BuildHTTPClient(opts.Client)

	start := time.Now()
	bot, err := tele.NewBot(tele.Settings{
		URL:         opts.APIURL,
		Token:       cfg.Telegram.Token,
		Poller:      poller,
		Client:      client,
		Synchronous: opts.Synchronous,
		OnError:     onError(ctx),
	})
	if err != nil {
		return Runtime{}, fmt.Errorf("telegram: init bot: %w", err)
	}

	mode := []slog.Attr{slog.Duration("took", logger.Took(start))}
	if wh, ok := poller.(*tele.Webhook); ok {
		mode = append(mode,
			slog.String("mode", coreconfig.RunModeWebhook),
			slog.String("listen", wh.Listen),
			slog.String("public_url", wh.Endpoint.PublicURL),
		)
	} else {
		mode = append(mode,
			slog.String("mode", coreconfig.RunModeLongpoll),
			slog.Duration("timeout", longPollTimeout(cfg)),
			slog.Bool("synchronous", opts.Synchronous),
		)
	}
	logger.Info(ctx, logger.CompTelegram, "mode", mode...)

	if _, polling := poller.(*tele.LongPoller); polling && !opts.KeepWebhook {
		if err := deleteWebhook(ctx, client, opts.APIURL, cfg.Telegram.Token); err != nil {
			logger.Warn(ctx, logger.CompTelegram, "webhook.delete_failed", slog.String("err", logger.Sanitize(err.Error())))
		} else {
			logger.Info(ctx, logger.CompTelegram, "webhook.deleted")
		}
	}

	for _, mw := range opts.Middlewares {
		if mw.Use != nil {
			bot.Use(mw.Use)
		}
	}
	for _, r := range opts.Routes {
		if r.Endpoint != nil && r.Handler != nil {
			bot.Handle(r.Endpoint, r.Handler)
		}
	}
	SetupCommands(bot, opts.Registry)

	return Runtime{
		Bot:        bot,
		Dispatcher: tgsender.NewDispatcher(opts.Sender),
		Registry:   opts.Registry,
	}, nil
}

func onError(ctx context.Context) func(error, tele.Context) {
	return func(err error, c tele.Context) {
		lctx := ctx
		if c != nil {
			lctx = tghelpers.BuildContext(c)
		}
		logger.Error(lctx, logger.CompTelegram, "handler.error",
			slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
		)
	}
}

// serve runs the poller until it stops on its own or ctx ends.
func serve(ctx context.Context, bot *tele.Bot) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		bot.Start()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		bot.Stop()
		<-done
		return ctx.Err()
	}
}
