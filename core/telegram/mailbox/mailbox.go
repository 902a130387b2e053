// Package mailbox runs work for a key (a Telegram user) strictly in arrival
// order while letting different keys proceed in parallel.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/m3rciful/marketbot/core/logger"
)

var (
	// ErrBusy is returned when the key already has QueueSize jobs waiting.
	ErrBusy = errors.New("mailbox: queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("mailbox: closed")
)

// DefaultQueueSize bounds pending jobs per key when Options.QueueSize is zero.
const DefaultQueueSize = 8

// Job is one unit of work. It receives the context passed to Submit.
type Job func(ctx context.Context)

// Options configures a Mailbox.
type Options struct {
	// QueueSize is the number of jobs that may wait behind the running one.
	QueueSize int
}

type entry struct {
	ctx context.Context
	fn  Job
}

// Mailbox owns one goroutine per key with pending work. The goroutine exits
// once its queue drains, so idle users cost nothing.
type Mailbox struct {
	size int

	mu     sync.Mutex
	queues map[int64]chan entry
	closed bool
	wg     sync.WaitGroup
}

// New returns an empty mailbox.
func New(opts Options) *Mailbox {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Mailbox{
		size:   opts.QueueSize,
		queues: make(map[int64]chan entry),
	}
}

// Submit appends fn to the queue of key. It never blocks.
func (m *Mailbox) Submit(ctx context.Context, key int64, fn Job) error {
	if fn == nil {
		return fmt.Errorf("mailbox: nil job")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	q, ok := m.queues[key]
	if !ok {
		q = make(chan entry, m.size)
		m.queues[key] = q
		m.wg.Add(1)
		go m.drain(key, q)
	}
	select {
	case q <- entry{ctx: ctx, fn: fn}:
		return nil
	default:
		logger.Warn(ctx, logger.CompMailbox, "queue.full",
			slog.Int64("key", key),
			slog.Int("size", m.size),
		)
		return ErrBusy
	}
}

// Active returns the number of keys that currently own a goroutine.
func (m *Mailbox) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

// Close rejects new jobs and waits for queued ones to finish or ctx to end.
func (m *Mailbox) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mailbox) drain(key int64, q chan entry) {
	defer m.wg.Done()
	for {
		select {
		case e := <-q:
			m.run(key, e)
		default:
			m.mu.Lock()
			if len(q) == 0 {
				delete(m.queues, key)
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
		}
	}
}

func (m *Mailbox) run(key int64, e entry) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error(e.ctx, logger.CompMailbox, "job.panic",
				slog.Int64("key", key),
				slog.String("err", logger.SanitizeLimit(fmt.Sprint(r), 256)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	e.fn(e.ctx)
	logger.Debug(e.ctx, logger.CompMailbox, "job.done",
		slog.Int64("key", key),
		slog.Duration("duration", logger.Took(start)),
	)
}
