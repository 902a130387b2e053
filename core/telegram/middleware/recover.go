package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/m3rciful/marketbot/core/logger"
	tghelpers "github.com/m3rciful/marketbot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// ErrPanic wraps a value recovered from a handler.
var ErrPanic = errors.New("handler panic")

// RecoverMiddleware turns a handler panic into an error wrapping ErrPanic
// so one bad update cannot take the poller down.
func RecoverMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) (err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			logger.Error(tghelpers.BuildContext(c), logger.CompTelegram, "panic.recovered",
				slog.String("err", logger.SanitizeLimit(fmt.Sprint(r), 256)),
				slog.String("stack", string(debug.Stack())),
			)
		}()
		return next(c)
	}
}
