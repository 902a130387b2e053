package logger

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"
)

var errWriterClosed = errors.New("logger: writer closed")

// writeOp is either a line to write or, when ack is set, a flush request.
type writeOp struct {
	data []byte
	ack  chan error
}

// asyncWriter fans lines out to buffered sinks from a single goroutine, so
// callers never wait on a slow disk unless the queue is full.
type asyncWriter struct {
	ops   chan writeOp
	done  chan struct{}
	sinks []*bufio.Writer

	mu     sync.RWMutex
	closed bool

	errMu sync.Mutex
	err   error
}

func newAsyncWriter(writers []io.Writer, bufSize int) *asyncWriter {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	w := &asyncWriter{
		ops:  make(chan writeOp, 256),
		done: make(chan struct{}),
	}
	for _, sink := range writers {
		if sink != nil {
			w.sinks = append(w.sinks, bufio.NewWriterSize(sink, bufSize))
		}
	}
	go w.loop()
	return w
}

func (w *asyncWriter) loop() {
	defer close(w.done)
	for op := range w.ops {
		if op.ack != nil {
			op.ack <- w.flush()
			continue
		}
		for _, s := range w.sinks {
			if _, err := s.Write(op.data); err != nil {
				w.fail(err)
			}
		}
	}
	_ = w.flush()
}

func (w *asyncWriter) flush() error {
	for _, s := range w.sinks {
		if err := s.Flush(); err != nil {
			w.fail(err)
		}
	}
	return w.firstErr()
}

func (w *asyncWriter) fail(err error) {
	w.errMu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.errMu.Unlock()
}

func (w *asyncWriter) firstErr() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// Write queues a copy of p. It fails after Close or once a sink has failed.
func (w *asyncWriter) Write(p []byte) error {
	if err := w.firstErr(); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return errWriterClosed
	}
	w.ops <- writeOp{data: bytes.Clone(p)}
	return nil
}

// Flush waits until every queued line reached the sinks.
func (w *asyncWriter) Flush() error {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return w.firstErr()
	}
	ack := make(chan error, 1)
	w.ops <- writeOp{ack: ack}
	w.mu.RUnlock()
	return <-ack
}

// Close drains the queue and flushes. It is safe to call more than once.
func (w *asyncWriter) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ops)
	}
	w.mu.Unlock()
	<-w.done
	return w.firstErr()
}
