// Package logger is the structured event log shared by every component.
//
// Each line carries a component, an event name and flat attributes, plus
// the request metadata stored in the context (rid, update, user, chat,
// handler, draft). Output is JSON or key=value, written asynchronously to
// stdout and an optional file. Until InitLogger runs every helper is a no-op.
package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/m3rciful/marketbot/core/buildinfo"
	coreconfig "github.com/m3rciful/marketbot/core/config"
)

var (
	stateMu sync.Mutex
	started bool
	stopped bool
	out     *asyncWriter
	files   []io.Closer

	levelVar     slog.LevelVar
	debugSampler = newSampler(1, 50)
	trace        atomic.Bool

	// L is the root logger. It stays nil until InitLogger runs.
	L *slog.Logger
)

// InitLogger builds the root logger from cfg. Later calls are no-ops.
func InitLogger(cfg *coreconfig.Config) error {
	stateMu.Lock()
	defer stateMu.Unlock()
	if started {
		return nil
	}

	s := settingsFrom(cfg)
	sinks, closers, err := openSinks(s)
	if err != nil {
		return err
	}
	started = true
	files = closers
	out = newAsyncWriter(sinks, 64*1024)

	levelVar.Set(s.level)
	debugSampler.set(s.sampleNum, s.sampleDen)
	trace.Store(s.trace)

	L = slog.New(newHandler(handlerOptions{
		level:  &levelVar,
		writer: out,
		format: s.format,
		order:  s.order,
	}))
	slog.SetDefault(L)

	Info(context.Background(), CompApp, "startup",
		slog.String("go_version", runtime.Version()),
		slog.String("version", buildinfo.Version),
		slog.String("build_commit", buildinfo.Commit),
		slog.String("build_time", buildinfo.Date),
		slog.String("cfg_profile", s.profile),
	)
	return nil
}

// Shutdown drains pending lines and closes the log file.
func Shutdown() error {
	stateMu.Lock()
	defer stateMu.Unlock()
	if !started || stopped {
		return nil
	}
	stopped = true

	errs := []error{out.Close()}
	for _, f := range files {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}

// Component returns the root logger scoped to name, or nil before init.
func Component(name string) *slog.Logger {
	if L == nil {
		return nil
	}
	if name = strings.TrimSpace(name); name == "" {
		return L
	}
	return L.With("component", name)
}

// LogEvent writes event through logg, or through the context logger when
// logg is nil.
func LogEvent(ctx context.Context, logg *slog.Logger, level slog.Level, event string, attrs ...slog.Attr) {
	if logg == nil {
		logg = FromContext(ctx)
	}
	if logg == nil {
		return
	}
	if event != "" {
		attrs = append([]slog.Attr{slog.String("event", event)}, attrs...)
	}
	logg.LogAttrs(ctx, level, "", attrs...)
}

// Event logs through the context logger with the component attribute set.
func Event(ctx context.Context, component string, level slog.Level, event string, attrs ...slog.Attr) {
	logg := FromContext(ctx)
	if logg == nil || !logg.Enabled(ctx, level) {
		return
	}
	if component = strings.TrimSpace(component); component != "" {
		attrs = append([]slog.Attr{slog.String("component", component)}, attrs...)
	}
	LogEvent(ctx, logg, level, event, attrs...)
}

func Debug(ctx context.Context, component, event string, attrs ...slog.Attr) {
	Event(ctx, component, slog.LevelDebug, event, attrs...)
}

func Info(ctx context.Context, component, event string, attrs ...slog.Attr) {
	Event(ctx, component, slog.LevelInfo, event, attrs...)
}

func Warn(ctx context.Context, component, event string, attrs ...slog.Attr) {
	Event(ctx, component, slog.LevelWarn, event, attrs...)
}

func Error(ctx context.Context, component, event string, attrs ...slog.Attr) {
	Event(ctx, component, slog.LevelError, event, attrs...)
}

// ShouldSampleDebug gates high-volume debug events. TRACE=1 lets every
// event through.
func ShouldSampleDebug() bool {
	if levelVar.Level() > slog.LevelDebug {
		return false
	}
	return trace.Load() || debugSampler.allow()
}
