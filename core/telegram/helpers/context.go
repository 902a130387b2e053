// Package helpers bridges tele.Context to context.Context and routes
// outgoing messages through the shared sender.
package helpers

import (
	"context"

	"github.com/m3rciful/marketbot/core/logger"

	tele "gopkg.in/telebot.v4"
)

const ctxStoreKey = "logger_ctx"

func cached(c tele.Context) context.Context {
	ctx, _ := c.Get(ctxStoreKey).(context.Context)
	return ctx
}

// BuildContext returns the logging context of the update behind c. The
// first call derives it from the update and caches it on c.
func BuildContext(c tele.Context) context.Context {
	if ctx := cached(c); ctx != nil {
		return ctx
	}

	var userID, chatID int64
	if u := c.Sender(); u != nil {
		userID = u.ID
	}
	if ch := c.Chat(); ch != nil {
		chatID = ch.ID
	}
	updateID := c.Update().ID

	rid, _ := c.Get("rid").(string)
	if rid == "" {
		rid = logger.BuildRID(updateID, chatID, userID)
	}
	ctx := logger.WithUpdateMeta(logger.WithRID(context.Background(), rid), updateID, userID, chatID)
	ctx = logger.WithLogger(ctx, logger.Component(logger.CompTelegram))
	c.Set(ctxStoreKey, ctx)
	return ctx
}

// WithHandler tags the cached context with the handler name.
func WithHandler(c tele.Context, handler string) context.Context {
	ctx := BuildContext(c)
	if handler != "" {
		ctx = logger.WithHandler(ctx, handler)
		c.Set(ctxStoreKey, ctx)
	}
	return ctx
}
