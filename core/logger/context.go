package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

type ctxKey int

const (
	metaKey ctxKey = iota
	loggerKey
)

// meta is the per-request metadata copied into every line.
type meta struct {
	rid      string
	updateID int
	userID   int64
	chatID   int64
	handler  string
	draftID  string
}

func metaFrom(ctx context.Context) meta {
	if ctx == nil {
		return meta{}
	}
	m, _ := ctx.Value(metaKey).(meta)
	return m
}

func withMeta(ctx context.Context, set func(*meta)) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	m := metaFrom(ctx)
	set(&m)
	return context.WithValue(ctx, metaKey, m)
}

// WithLogger stores log in ctx; Event and friends prefer it over L.
func WithLogger(ctx context.Context, log *slog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, log)
}

// FromContext returns the logger stored in ctx, falling back to L.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
			return l
		}
	}
	return L
}

func WithRID(ctx context.Context, rid string) context.Context {
	if rid == "" {
		return ctx
	}
	return withMeta(ctx, func(m *meta) { m.rid = rid })
}

// WithUpdateMeta records the Telegram update, user and chat ids.
func WithUpdateMeta(ctx context.Context, updateID int, userID, chatID int64) context.Context {
	return withMeta(ctx, func(m *meta) {
		m.updateID, m.userID, m.chatID = updateID, userID, chatID
	})
}

func WithHandler(ctx context.Context, handler string) context.Context {
	if handler == "" {
		return ctx
	}
	return withMeta(ctx, func(m *meta) { m.handler = handler })
}

// WithDraftID tags lines with the wizard draft they belong to.
func WithDraftID(ctx context.Context, draftID string) context.Context {
	if draftID == "" {
		return ctx
	}
	return withMeta(ctx, func(m *meta) { m.draftID = draftID })
}

func RIDFrom(ctx context.Context) string     { return metaFrom(ctx).rid }
func UpdateIDFrom(ctx context.Context) int   { return metaFrom(ctx).updateID }
func UserIDFrom(ctx context.Context) int64   { return metaFrom(ctx).userID }
func ChatIDFrom(ctx context.Context) int64   { return metaFrom(ctx).chatID }
func HandlerFrom(ctx context.Context) string { return metaFrom(ctx).handler }
func DraftIDFrom(ctx context.Context) string { return metaFrom(ctx).draftID }

// BuildRID formats the request id as updateID:chatID:userID.
func BuildRID(updateID int, chatID, userID int64) string {
	return fmt.Sprintf("%d:%d:%d", updateID, chatID, userID)
}

// CompactRID rewrites a BuildRID value with base36 segments joined by dots.
// Other input comes back unchanged.
func CompactRID(rid string) string {
	rid = strings.TrimSpace(rid)
	parts := strings.Split(rid, ":")
	if len(parts) != 3 {
		return rid
	}
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return rid
		}
		parts[i] = strconv.FormatInt(n, 36)
	}
	return strings.Join(parts, ".")
}
