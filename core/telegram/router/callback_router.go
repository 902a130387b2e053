package router

import (
	"log/slog"
	"time"

	tg "github.com/m3rciful/marketbot/core/telegram"
	"github.com/m3rciful/marketbot/core/telegram/callbacks"
	"github.com/m3rciful/marketbot/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// CallbackOptions customises fallback behaviour for callbacks.
type CallbackOptions struct {
	// NotFound is used when the registry has no not-found handler.
	NotFound tele.HandlerFunc
}

// CallbackRoute answers every callback query and routes it by its unique key.
func CallbackRoute(reg *tg.Registry, opts CallbackOptions) tg.Route {
	handler := func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil || reg == nil {
			return nil
		}
		start := time.Now()
		key, _ := callbacks.ParseCallbackData(cb)
		name := "callback." + normalizeHandlerName(key)

		if h, ok := reg.GetCallback(key); ok {
			// stop the client spinner before the handler runs
			_ = c.Respond()
			return run(c, name, start, h, slog.String("cb_key", key))
		}

		fallback := reg.CallbackNotFound()
		if fallback == nil {
			fallback = opts.NotFound
		}
		if fallback == nil {
			_ = c.Respond()
		}
		return run(c, name, start, fallback,
			slog.String("cb_key", key),
			slog.String("reason", "not_found"),
		)
	}
	return tg.Route{
		Endpoint: tele.OnCallback,
		Handler:  middleware.RecoverMiddleware(middleware.LoggerMiddleware(handler)),
	}
}
