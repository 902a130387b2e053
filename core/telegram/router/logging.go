package router

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/m3rciful/marketbot/core/logger"
	tghelpers "github.com/m3rciful/marketbot/core/telegram/helpers"
	"github.com/m3rciful/marketbot/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// run executes fn under handler and logs one handler.handled line.
func run(c tele.Context, handler string, start time.Time, fn tele.HandlerFunc, extras ...slog.Attr) error {
	tghelpers.WithHandler(c, handler)
	var err error
	if fn != nil {
		err = fn(c)
	}
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "fail"
	case fn == nil:
		outcome = "skip"
	}
	summarize(c, handler, start, outcome, err, extras...)
	return err
}

func summarize(c tele.Context, handler string, start time.Time, outcome string, err error, extras ...slog.Attr) {
	ctx := tghelpers.WithHandler(c, handler)
	sent := middleware.GetCounters(c)
	attrs := []slog.Attr{
		slog.String("handler", handler),
		slog.String("outcome", outcome),
		slog.Int("messages", sent.Messages),
		slog.Bool("kb", sent.Keyboard),
		slog.Duration("duration_ms", logger.RoundMS(time.Since(start))),
	}
	if err != nil {
		attrs = append(attrs,
			slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
			slog.String("err_code", deriveErrorCode(err)),
		)
	}
	attrs = append(attrs, extras...)
	if err != nil {
		logger.Warn(ctx, logger.CompTelegram, "handler.handled", attrs...)
		return
	}
	logger.Info(ctx, logger.CompTelegram, "handler.handled", attrs...)
}

func normalizeHandlerName(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")
	if name == "" {
		return "unknown"
	}
	return strings.ToLower(strings.ReplaceAll(name, " ", "_"))
}

// deriveErrorCode prefers an error's own Code() and falls back to its type name.
func deriveErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		if code := strings.TrimSpace(coded.Code()); code != "" {
			return strings.ToUpper(strings.ReplaceAll(code, " ", "_"))
		}
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "UNKNOWN_ERROR"
	}
	return strings.ToUpper(t.Name())
}
