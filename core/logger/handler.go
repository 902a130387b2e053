package logger

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type logFormat int

const (
	formatJSON logFormat = iota
	formatKV
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

type handlerOptions struct {
	level  slog.Leveler
	writer *asyncWriter
	format logFormat
	order  []string
}

// handler renders records as flat single-line entries.
type handler struct {
	opts   *handlerOptions
	attrs  []slog.Attr
	prefix string
}

func newHandler(opts handlerOptions) *handler {
	if opts.level == nil {
		opts.level = slog.LevelInfo
	}
	if len(opts.order) == 0 {
		opts.order = defaultKeyOrder
	}
	return &handler{opts: &opts}
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.level.Level()
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	if h.opts.writer == nil {
		return errors.New("logger: writer not initialized")
	}
	asJSON := h.opts.format == formatJSON

	e := make(entry, 16)
	ts := r.Time.UTC()
	e["ts"] = ts.Truncate(time.Millisecond).Format(timeLayout)
	e["level"] = levelName(r.Level)
	if asJSON {
		e["ts_unix_nano"] = ts.UnixNano()
	}
	for _, a := range h.attrs {
		e.add("", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		e.add(h.prefix, a)
		return true
	})
	e.addMeta(metaFrom(ctx))
	e.finish(r.Message, asJSON)

	var (
		line []byte
		err  error
	)
	keys := e.keys(h.opts.order)
	if asJSON {
		line, err = e.json(keys)
	} else {
		line = e.kv(keys)
	}
	if err != nil {
		return err
	}
	return h.opts.writer.Write(append(line, '\n'))
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	c.attrs = append(c.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" && a.Key != "" {
			a.Key = h.prefix + "." + a.Key
		}
		c.attrs = append(c.attrs, a)
	}
	return &c
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	if c.prefix == "" {
		c.prefix = name
	} else {
		c.prefix += "." + name
	}
	return &c
}
