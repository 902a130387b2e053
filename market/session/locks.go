package session

import (
	"context"
	"fmt"
	"sync"
)

// Locks hands out one exclusive lock per user. Waiters are released in the
// order the runtime schedules them; callers that need strict arrival order
// queue events before locking (see the Telegram mailbox).
type Locks struct {
	mu    sync.Mutex
	users map[int64]*userLock
}

type userLock struct {
	ch   chan struct{}
	refs int
}

// NewLocks returns an empty lock table.
func NewLocks() *Locks {
	return &Locks{users: make(map[int64]*userLock)}
}

// Lock blocks until the user's lock is free or ctx ends. A free lock is
// taken even when ctx is already done. The returned function releases the
// lock; extra calls are no-ops.
func (l *Locks) Lock(ctx context.Context, userID int64) (func(), error) {
	l.mu.Lock()
	ul, ok := l.users[userID]
	if !ok {
		ul = &userLock{ch: make(chan struct{}, 1)}
		l.users[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	select {
	case ul.ch <- struct{}{}:
		return l.unlocker(userID, ul), nil
	default:
	}
	select {
	case ul.ch <- struct{}{}:
		return l.unlocker(userID, ul), nil
	case <-ctx.Done():
		l.release(userID, ul)
		return nil, fmt.Errorf("%w: user %d: %w", ErrLockTimeout, userID, ctx.Err())
	}
}

func (l *Locks) unlocker(userID int64, ul *userLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-ul.ch
			l.release(userID, ul)
		})
	}
}

func (l *Locks) release(userID int64, ul *userLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul.refs--
	if ul.refs == 0 {
		delete(l.users, userID)
	}
}

// Held reports how many users currently have a lock entry (held or awaited).
func (l *Locks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}
