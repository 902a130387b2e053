package middleware

import (
	"log/slog"

	"github.com/m3rciful/marketbot/core/logger"
	"github.com/m3rciful/marketbot/core/telegram/callbacks"
	tghelpers "github.com/m3rciful/marketbot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

const receivedKey = "update_received"

// LoggerMiddleware attaches the request id and logging context to c and
// logs update.received at debug level. Applying it twice to one update is
// harmless: only the outermost call does the work.
func LoggerMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		if c.Get(receivedKey) != nil {
			return next(c)
		}
		c.Set(receivedKey, true)

		upd := c.Update()
		var chatID, userID int64
		if chat := c.Chat(); chat != nil {
			chatID = chat.ID
		}
		if user := c.Sender(); user != nil {
			userID = user.ID
		}
		rid := logger.BuildRID(upd.ID, chatID, userID)
		c.Set("rid", rid)
		ctx := tghelpers.BuildContext(c)

		if logger.ShouldSampleDebug() {
			logger.Debug(ctx, logger.CompTelegram, "update.received", updateAttrs(c, upd)...)
		}
		return next(c)
	}
}

func updateAttrs(c tele.Context, upd tele.Update) []slog.Attr {
	attrs := []slog.Attr{slog.Int("update_id", upd.ID)}
	if chat := c.Chat(); chat != nil {
		attrs = append(attrs, slog.String("chat_type", string(chat.Type)))
	}
	if user := c.Sender(); user != nil {
		if user.Username != "" {
			attrs = append(attrs, slog.String("username", logger.SanitizeLimit(user.Username, 64)))
		}
		if user.LanguageCode != "" {
			attrs = append(attrs, slog.String("lang", user.LanguageCode))
		}
	}

	switch {
	case upd.Callback != nil:
		key, payload := callbacks.ParseCallbackData(upd.Callback)
		attrs = append(attrs, slog.String("kind", "callback"), slog.String("cb_key", logger.SanitizeLimit(key, 64)))
		if payload != "" {
			attrs = append(attrs, slog.String("payload", logger.SanitizeLimit(payload, 128)))
		}
	case upd.Message != nil:
		attrs = append(attrs, slog.String("kind", "message"))
		if t := c.Text(); t != "" {
			attrs = append(attrs, slog.String("payload", logger.SanitizeLimit(t, 256)))
		}
	}
	return attrs
}
