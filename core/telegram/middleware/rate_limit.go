package middleware

import (
	"log/slog"
	"sync"
	"time"

	coreconfig "github.com/m3rciful/marketbot/core/config"
	"github.com/m3rciful/marketbot/core/logger"
	tghelpers "github.com/m3rciful/marketbot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// RateLimitOptions configures RateLimitMiddleware.
type RateLimitOptions struct {
	Interval time.Duration
	// Exclude lists update kinds (coreconfig.Update*) that bypass the limit.
	Exclude   map[string]struct{}
	OnLimited tele.HandlerFunc
}

// sweepEvery bounds how many admissions pass between pruning stale users.
const sweepEvery = 1024

type limiter struct {
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	seen     map[int64]time.Time
	admitted int
}

// admit records an update of user and reports whether it respects the
// interval. Rejected updates do not move the window.
func (l *limiter) admit(user int64) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.seen[user]; ok && now.Sub(last) < l.interval {
		return false
	}
	l.seen[user] = now
	if l.admitted++; l.admitted%sweepEvery == 0 {
		for id, at := range l.seen {
			if now.Sub(at) >= l.interval {
				delete(l.seen, id)
			}
		}
	}
	return true
}

func updateKind(u tele.Update) string {
	switch {
	case u.Callback != nil:
		return coreconfig.UpdateCallback
	case u.Message != nil:
		return coreconfig.UpdateMessage
	case u.Query != nil:
		return coreconfig.UpdateInlineQuery
	}
	return "other"
}

// RateLimitMiddleware drops updates that arrive less than Interval after
// the previous accepted update of the same user.
func RateLimitMiddleware(opts RateLimitOptions) tele.MiddlewareFunc {
	l := &limiter{interval: opts.Interval, now: time.Now, seen: make(map[int64]time.Time)}
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			u := c.Sender()
			if u == nil || opts.Interval <= 0 {
				return next(c)
			}
			kind := updateKind(c.Update())
			if _, skip := opts.Exclude[kind]; skip || l.admit(u.ID) {
				return next(c)
			}

			logger.Warn(tghelpers.BuildContext(c), logger.CompTelegram, "rate_limit",
				slog.String("kind", kind),
				slog.String("outcome", "rate_limited"),
			)
			if opts.OnLimited != nil {
				return opts.OnLimited(c)
			}
			return nil
		}
	}
}
