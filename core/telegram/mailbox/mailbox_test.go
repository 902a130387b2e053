package mailbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closeMailbox(t *testing.T, m *Mailbox) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))
}

func TestJobsForOneKeyRunInOrder(t *testing.T) {
	m := New(Options{QueueSize: 64})
	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 50; i++ {
		i := i
		require.NoError(t, m.Submit(context.Background(), 1, func(context.Context) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	closeMailbox(t, m)

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.Zero(t, m.Active())
}

func TestFullQueueIsBusy(t *testing.T) {
	m := New(Options{QueueSize: 1})
	started := make(chan struct{})
	release := make(chan struct{})

	require.NoError(t, m.Submit(context.Background(), 7, func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, m.Submit(context.Background(), 7, func(context.Context) {}))
	assert.ErrorIs(t, m.Submit(context.Background(), 7, func(context.Context) {}), ErrBusy)

	// another key is not affected
	done := make(chan struct{})
	require.NoError(t, m.Submit(context.Background(), 8, func(context.Context) { close(done) }))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("key 8 blocked behind key 7")
	}

	close(release)
	closeMailbox(t, m)
}

func TestPanicDoesNotStopQueue(t *testing.T) {
	m := New(Options{})
	ran := make(chan struct{})
	require.NoError(t, m.Submit(context.Background(), 1, func(context.Context) { panic("boom") }))
	require.NoError(t, m.Submit(context.Background(), 1, func(context.Context) { close(ran) }))
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("second job did not run")
	}
	closeMailbox(t, m)
}

func TestSubmitAfterClose(t *testing.T) {
	m := New(Options{})
	closeMailbox(t, m)
	assert.ErrorIs(t, m.Submit(context.Background(), 1, func(context.Context) {}), ErrClosed)
	assert.Error(t, m.Submit(context.Background(), 1, nil))
}

func TestCloseHonoursContext(t *testing.T) {
	m := New(Options{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, m.Submit(context.Background(), 1, func(context.Context) { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Close(ctx), context.DeadlineExceeded)
}
