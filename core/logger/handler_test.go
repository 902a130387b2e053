package logger

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, format logFormat) (*handler, *asyncWriter, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	aw := newAsyncWriter([]io.Writer{buf}, 1024)
	h := newHandler(handlerOptions{level: slog.LevelInfo, writer: aw, format: format})
	return h, aw, buf
}

func flushLine(t *testing.T, aw *asyncWriter, buf *bytes.Buffer) string {
	t.Helper()
	require.NoError(t, aw.Close())
	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line, "expected log line")
	return line
}

func TestHandlerKVOrder(t *testing.T) {
	h, aw, buf := newTestHandler(t, formatKV)
	ctx := WithRID(context.Background(), "rid-123")
	ctx = WithUpdateMeta(ctx, 42, 7, 9)
	ctx = WithDraftID(ctx, "d-1")

	log := slog.New(h).With("component", CompWizard)
	LogEvent(ctx, log, slog.LevelInfo, "listing.completed",
		slog.String("status", "OK"),
		slog.String("category", "Electronics"),
	)

	tokens := strings.Split(flushLine(t, aw, buf), " ")
	expected := []string{"ts=", "level=INFO", "component=wizard", "event=listing.completed", "status=ok", "rid=rid-123", "draft_id=d-1", "update_id=42", "user_id=7", "chat_id=9"}
	require.GreaterOrEqual(t, len(tokens), len(expected))
	for i, prefix := range expected {
		assert.Truef(t, strings.HasPrefix(tokens[i], prefix), "token %d = %s, expected prefix %s", i, tokens[i], prefix)
	}
}

func TestHandlerJSONOrder(t *testing.T) {
	h, aw, buf := newTestHandler(t, formatJSON)
	ctx := WithRID(context.Background(), "rid-json")

	log := slog.New(h).With("component", CompExtractor)
	LogEvent(ctx, log, slog.LevelError, "extract.failed",
		slog.Bool("retryable", true),
		slog.Any("err", errors.New("boom")),
		slog.String("status", "fail"),
	)

	line := flushLine(t, aw, buf)
	prefixes := []string{`{"ts":`, `"level":"ERROR"`, `"component":"extractor"`, `"event":"extract.failed"`, `"status":"fail"`, `"rid":"rid-json"`, `"err":"boom"`, `"retryable":true`}
	pos := -1
	for _, pref := range prefixes {
		idx := strings.Index(line, pref)
		require.Truef(t, idx > pos, "prefix %s not found in order within %s", pref, line)
		pos = idx
	}
}

func TestHandlerCompactsRID(t *testing.T) {
	h, aw, buf := newTestHandler(t, formatJSON)
	LogEvent(WithRID(context.Background(), "12:34:56"), slog.New(h), slog.LevelInfo, "rid.test")

	line := flushLine(t, aw, buf)
	assert.Contains(t, line, `"rid":"c.y.1k"`)
	assert.Contains(t, line, `"rid_full":"12:34:56"`)
	assert.Contains(t, line, `"component":"app"`)
	assert.Contains(t, line, `"ts_unix_nano"`)

	h, aw, buf = newTestHandler(t, formatKV)
	LogEvent(WithRID(context.Background(), "12:34:56"), slog.New(h), slog.LevelInfo, "rid.test")
	line = flushLine(t, aw, buf)
	assert.Contains(t, line, "rid=c.y.1k")
	assert.NotContains(t, line, "rid_full")
}

func TestHandlerDurationsAndGroups(t *testing.T) {
	h, aw, buf := newTestHandler(t, formatKV)
	slog.New(h).WithGroup("http").Info("extract.done",
		slog.Duration("duration", 1500*time.Microsecond),
		slog.Duration("timeout_ms", 3*time.Second),
		slog.String("model", "gpt 4o"),
		slog.String("empty", ""),
	)

	line := flushLine(t, aw, buf)
	assert.Contains(t, line, "http.duration_ms=2")
	assert.Contains(t, line, "http.timeout_ms=3000")
	assert.Contains(t, line, `http.model="gpt 4o"`)
	assert.Contains(t, line, "event=extract.done")
	assert.NotContains(t, line, "empty")
}

func TestHandlerDropsUnknownOutcome(t *testing.T) {
	h, aw, buf := newTestHandler(t, formatKV)
	slog.New(h).Info("", slog.String("outcome", "maybe"))
	line := flushLine(t, aw, buf)
	assert.NotContains(t, line, "outcome")
	assert.Contains(t, line, "event=unknown")
}

func TestHandlerLevelFilter(t *testing.T) {
	h, _, _ := newTestHandler(t, formatKV)
	assert.False(t, h.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, h.Enabled(context.Background(), slog.LevelWarn))
}

func TestHelpersAreNoopsBeforeInit(t *testing.T) {
	require.Nil(t, L)
	assert.NotPanics(t, func() {
		Info(context.Background(), CompWizard, "noop")
		Error(context.Background(), CompStore, "noop", slog.String("err", "x"))
	})
	assert.Nil(t, Component(CompApp))
}

func TestContextMeta(t *testing.T) {
	ctx := WithUpdateMeta(WithRID(context.Background(), "1:2:3"), 1, 3, 2)
	ctx = WithHandler(ctx, "sell")
	assert.Equal(t, "1:2:3", RIDFrom(ctx))
	assert.Equal(t, 1, UpdateIDFrom(ctx))
	assert.Equal(t, int64(3), UserIDFrom(ctx))
	assert.Equal(t, int64(2), ChatIDFrom(ctx))
	assert.Equal(t, "sell", HandlerFrom(ctx))
	assert.Equal(t, "", DraftIDFrom(ctx))
	assert.Equal(t, "", RIDFrom(nil))
}

func TestCompactRID(t *testing.T) {
	assert.Equal(t, "1.2.3", CompactRID(BuildRID(1, 2, 3)))
	assert.Equal(t, "rid", CompactRID("rid"))
	assert.Equal(t, "1:x:3", CompactRID("1:x:3"))
}

func TestSanitizeLimit(t *testing.T) {
	assert.Equal(t, "iPhone", SanitizeLimit("iPh\x00one 13", 6))
	assert.Equal(t, "ăîș", SanitizeLimit("ăîșț", 3))
	assert.Equal(t, "", SanitizeLimit("anything", 0))
	assert.Equal(t, "a\tb\n", Sanitize("a\tb\n\u200b"))
}
