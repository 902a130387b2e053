// Package sender runs outbound Telegram calls with bounded retries.
//
// Calls either go through a worker pool (Enqueue) or run on the caller's
// goroutine (Do). Per-user ordering relies on Do: the wizard mailbox owns
// one goroutine per user and sends its replies synchronously.
package sender

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m3rciful/marketbot/core/logger"
)

var (
	// ErrQueueClosed is returned once Close has been called.
	ErrQueueClosed = errors.New("telegram sender: queue closed")
	// ErrQueueFull means the buffer is saturated and the call was dropped.
	ErrQueueFull = errors.New("telegram sender: queue full")

	errNilCall = errors.New("telegram sender: nil run function")
)

// Options tunes the dispatcher. Zero values fall back to defaults.
type Options struct {
	QueueSize    int
	Workers      int
	MaxRetries   int
	RetryBackoff time.Duration
	// MaxDuration caps the wall time of one call including its retries.
	MaxDuration time.Duration
	// MaxFloodWait caps how long a 429 retry_after is honoured.
	MaxFloodWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	o.MaxRetries = max(o.MaxRetries, 0)
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = 12 * time.Second
	}
	if o.MaxFloodWait <= 0 {
		o.MaxFloodWait = 5 * time.Second
	}
	return o
}

type call struct {
	ctx      context.Context
	action   string
	endpoint string
	run      func() error
}

func (c call) attrs(extra ...slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, 6+len(extra))
	out = append(out, slog.String("action", c.action))
	if c.endpoint != "" {
		out = append(out, slog.String("endpoint", c.endpoint))
	}
	if id := logger.UpdateIDFrom(c.ctx); id != 0 {
		out = append(out, slog.Int("update_id", id))
	}
	if id := logger.ChatIDFrom(c.ctx); id != 0 {
		out = append(out, slog.Int64("chat_id", id))
	}
	return append(out, extra...)
}

// Dispatcher executes Telegram calls with retries.
type Dispatcher struct {
	opts Options

	mu     sync.RWMutex
	closed bool
	queue  chan call
	wg     sync.WaitGroup

	failed atomic.Uint64
}

// NewDispatcher starts the worker pool.
func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{opts: opts.withDefaults()}
	d.queue = make(chan call, d.opts.QueueSize)
	for range d.opts.Workers {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for c := range d.queue {
				_ = d.execute(c)
			}
		}()
	}
	return d
}

// Enqueue hands run to the worker pool. run may execute more than once.
func (d *Dispatcher) Enqueue(ctx context.Context, action, endpoint string, run func() error) error {
	if run == nil {
		return errNilCall
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrQueueClosed
	}
	select {
	case d.queue <- call{ctx: ctx, action: action, endpoint: endpoint, run: run}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Do executes run on the calling goroutine with the same retry policy as
// queued calls.
func (d *Dispatcher) Do(ctx context.Context, action, endpoint string, run func() error) error {
	if run == nil {
		return errNilCall
	}
	return d.execute(call{ctx: ctx, action: action, endpoint: endpoint, run: run})
}

// ErrorCount is the number of calls that failed after all retries.
func (d *Dispatcher) ErrorCount() uint64 { return d.failed.Load() }

// Close rejects new work, drains the queue and waits for the workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) execute(c call) error {
	if c.ctx == nil {
		c.ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(c.ctx, d.opts.MaxDuration)
	defer cancel()

	start := time.Now()
	logger.Debug(c.ctx, logger.CompSender, "send.start", c.attrs()...)

	limit := d.opts.MaxRetries + 1
	var err error
	for n := 1; ; n++ {
		if err = ctx.Err(); err != nil {
			break
		}
		if err = c.run(); err == nil {
			logger.Debug(c.ctx, logger.CompSender, "send.success",
				c.attrs(slog.Int("attempt", n), slog.Duration("elapsed", time.Since(start)))...)
			return nil
		}
		delay, ok := d.backoff(err, n)
		if !ok || n == limit {
			break
		}
		logger.Debug(c.ctx, logger.CompSender, "send.retry",
			c.attrs(slog.Int("attempt", n), slog.Duration("delay", delay), slog.String("error_kind", classifyError(err)))...)
		if err = sleep(ctx, delay); err != nil {
			break
		}
	}

	d.failed.Add(1)
	logger.Error(c.ctx, logger.CompSender, "send.fail", c.attrs(
		slog.String("error", redact(err)),
		slog.String("error_kind", classifyError(err)),
		slog.Int("max_attempts", limit),
		slog.Duration("elapsed", time.Since(start)),
	)...)
	return err
}

// backoff returns the pause before the next attempt and whether err is
// worth another attempt at all.
func (d *Dispatcher) backoff(err error, attempt int) (time.Duration, bool) {
	if wait, ok := floodWait(err); ok {
		return min(wait, d.opts.MaxFloodWait), true
	}
	if !retryable(err) {
		return 0, false
	}
	return d.opts.RetryBackoff * time.Duration(attempt), true
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
