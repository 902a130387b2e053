package router

import (
	"strings"
	"time"

	tg "github.com/m3rciful/marketbot/core/telegram"
	"github.com/m3rciful/marketbot/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// TextOptions controls fallback behaviour for text and media updates.
type TextOptions struct {
	UnknownText     tele.HandlerFunc
	UnknownDocument tele.HandlerFunc
	// AdminID guards admin commands reached by alias or @mention.
	AdminID       int64
	OnAdminReject tele.HandlerFunc
}

// TextRoutes builds the text, document and photo handlers.
// Slash-prefixed text that names a registered command or alias runs that
// command; all other text goes to the registry text fallback.
func TextRoutes(reg *tg.Registry, opts TextOptions) []tg.Route {
	adminOnly := middleware.AdminOnlyMiddleware(middleware.AdminOptions{
		AdminID:  opts.AdminID,
		OnReject: opts.OnAdminReject,
	})

	text := func(c tele.Context) error {
		start := time.Now()
		if reg == nil {
			return run(c, "unknown_text", start, opts.UnknownText)
		}
		if name, ok := commandName(c.Text()); ok {
			if key, cmd, found := reg.LookupCommand(name); found && cmd.Handler != nil {
				h := cmd.Handler
				if cmd.AdminOnly {
					h = adminOnly(h)
				}
				return run(c, normalizeHandlerName(key), start, h)
			}
		}
		if fb := reg.TextFallback(); fb != nil {
			return run(c, "text", start, fb)
		}
		return run(c, "unknown_text", start, opts.UnknownText)
	}

	media := func(c tele.Context) error {
		return run(c, "unexpected_document", time.Now(), opts.UnknownDocument)
	}

	wrap := func(h tele.HandlerFunc) tele.HandlerFunc {
		return middleware.RecoverMiddleware(middleware.LoggerMiddleware(h))
	}
	return []tg.Route{
		{Endpoint: tele.OnText, Handler: wrap(text)},
		{Endpoint: tele.OnDocument, Handler: wrap(media)},
		{Endpoint: tele.OnPhoto, Handler: wrap(media)},
	}
}

// commandName extracts "/name" from "/name@bot args".
func commandName(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", false
	}
	name, _, _ := strings.Cut(text, " ")
	name, _, _ = strings.Cut(name, "@")
	return name, true
}
