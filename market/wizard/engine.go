package wizard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/m3rciful/marketbot/core/logger"
	"github.com/m3rciful/marketbot/market/session"
)

// DefaultSessionTTL is how long an untouched wizard survives.
const DefaultSessionTTL = 30 * time.Minute

// Engine serializes each user's events, loads and stores their session,
// applies the expiry policy and dispatches to the Machine.
type Engine struct {
	machine  *Machine
	sessions session.Repository
	locks    *session.Locks
	ttl      time.Duration
	// completed maps a user to the DraftID whose listing was stored while
	// the session delete failed; that session is treated as finished.
	completed sync.Map

	// text handlers keyed by the state that accepts free text
	textHandlers map[session.State]textHandler
}

type textHandler func(ctx context.Context, s session.Session, ev Event) (session.Session, Reply, error)

// NewEngine returns an Engine. ttl <= 0 disables expiry.
func NewEngine(m *Machine, repo session.Repository, ttl time.Duration) *Engine {
	e := &Engine{
		machine:  m,
		sessions: repo,
		locks:    session.NewLocks(),
		ttl:      ttl,
	}
	e.textHandlers = map[session.State]textHandler{
		session.StateAwaitingCategory: func(ctx context.Context, s session.Session, ev Event) (session.Session, Reply, error) {
			return m.SelectCategory(ctx, s, ev.Payload)
		},
		session.StateAwaitingSubcategory: func(ctx context.Context, s session.Session, ev Event) (session.Session, Reply, error) {
			return m.SelectSubcategory(ctx, s, ev.Payload)
		},
		session.StateAwaitingProductName: func(ctx context.Context, s session.Session, ev Event) (session.Session, Reply, error) {
			return m.SubmitProductName(ctx, s, ev.Payload)
		},
		session.StateAwaitingConfirmation: func(_ context.Context, s session.Session, _ Event) (session.Session, Reply, error) {
			return m.invalidState(s, msgUseReviewButtons, reviewKeyboard())
		},
		session.StateAwaitingPrice: func(ctx context.Context, s session.Session, ev Event) (session.Session, Reply, error) {
			return m.SubmitPrice(ctx, s, ev.Payload, ev.UserName)
		},
	}
	return e
}

// Handle applies one event. Domain errors are turned into the returned reply
// (also exposed as Reply.Err); only session storage faults and an aborted
// wait for the user's lock come back as an error.
func (e *Engine) Handle(ctx context.Context, ev Event) (Reply, error) {
	start := e.machine.now()
	unlock, err := e.locks.Lock(ctx, ev.UserID)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrBusy, err)
		return Reply{Message: msgBusy, Err: err}, err
	}
	defer unlock()

	cur, found, err := e.sessions.Load(ctx, ev.UserID)
	if err != nil {
		return e.storageFailure(ctx, ev, "load", err)
	}
	if !found {
		cur = session.New(ev.UserID)
	}
	if found && e.isCompleted(cur) {
		cur, found = e.settleCompleted(ctx, cur)
	}
	ctx = logger.WithDraftID(ctx, cur.DraftID)

	expired := cur.Stale(e.machine.now(), e.ttl)
	if expired {
		logger.Info(ctx, logger.CompWizard, "session.expired",
			slog.Int64("user_id", cur.UserID),
			slog.String("state", string(cur.State)),
		)
		cur = e.machine.Expire(ctx, cur)
	}

	next, reply, herr := e.dispatch(ctx, cur, ev)
	if herr != nil && reply.Message == "" {
		reply.Message = describe(herr)
	}
	if herr != nil {
		reply.Err = herr
	}
	if expired {
		reply.Message = msgExpired + reply.Message
	}

	if expired || next.State != cur.State || !next.UpdatedAt.Equal(cur.UpdatedAt) {
		if err := e.persist(ctx, next, found); err != nil {
			if reply.SideEffect != SideEffectListingCreated {
				return e.storageFailure(ctx, ev, "save", err)
			}
			logger.Warn(ctx, logger.CompWizard, "session.clear_failed",
				slog.Int64("user_id", ev.UserID),
				slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
			)
			if cur.DraftID != "" {
				e.completed.Store(ev.UserID, cur.DraftID)
			}
		}
	}

	attrs := []slog.Attr{
		slog.Int64("user_id", ev.UserID),
		slog.String("event", string(ev.Type)),
		slog.String("from_state", string(cur.State)),
		slog.String("to_state", string(next.State)),
		slog.String("outcome", outcome(herr)),
		slog.Duration("took", logger.RoundMS(e.machine.now().Sub(start))),
	}
	if herr != nil {
		attrs = append(attrs, slog.String("err_code", ErrorCode(herr)))
	}
	logger.Info(logger.WithDraftID(ctx, next.DraftID), logger.CompWizard, "event.handled", attrs...)
	return reply, nil
}

func outcome(err error) string {
	if err != nil {
		return "fail"
	}
	return "ok"
}

func (e *Engine) persist(ctx context.Context, s session.Session, existed bool) error {
	if s.Active() {
		return e.sessions.Save(ctx, s)
	}
	if existed {
		return e.sessions.Delete(ctx, s.UserID)
	}
	return nil
}

func (e *Engine) isCompleted(s session.Session) bool {
	v, ok := e.completed.Load(s.UserID)
	return ok && s.DraftID != "" && v.(string) == s.DraftID
}

// settleCompleted retries the delete of a finished session. The returned
// session is idle either way; found reports whether a stored copy remains.
func (e *Engine) settleCompleted(ctx context.Context, s session.Session) (session.Session, bool) {
	if err := e.sessions.Delete(ctx, s.UserID); err != nil {
		logger.Warn(ctx, logger.CompWizard, "session.clear_failed",
			slog.Int64("user_id", s.UserID),
			slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
		)
		return s.Reset(), true
	}
	e.completed.Delete(s.UserID)
	return s.Reset(), false
}

func (e *Engine) storageFailure(ctx context.Context, ev Event, op string, err error) (Reply, error) {
	logger.Error(ctx, logger.CompWizard, "session."+op+"_failed",
		slog.Int64("user_id", ev.UserID),
		slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
	)
	err = fmt.Errorf("%w: %s: %w", ErrSessionStorage, op, err)
	return Reply{Message: msgGenericFailure, Err: err}, err
}

func (e *Engine) dispatch(ctx context.Context, s session.Session, ev Event) (session.Session, Reply, error) {
	m := e.machine
	switch ev.Type {
	case EventCommand:
		switch strings.ToLower(strings.TrimPrefix(ev.Command, "/")) {
		case CommandStart:
			return s, m.Welcome(), nil
		case CommandSell:
			return m.StartWizard(ctx, s)
		case CommandMyListings:
			reply, err := m.MyListings(ctx, s.UserID)
			return s, reply, err
		case CommandStatus:
			return m.InspectStatus(ctx, s)
		case CommandCancel:
			return m.Cancel(ctx, s)
		case CommandHelp:
			return s, m.Help(), nil
		}
	case EventButton:
		switch ev.Action {
		case ActionSell:
			return m.StartWizard(ctx, s)
		case ActionCategory:
			return m.SelectCategory(ctx, s, ev.Payload)
		case ActionSubcategory:
			return m.SelectSubcategory(ctx, s, ev.Payload)
		case ActionBack:
			return m.Back(ctx, s)
		case ActionConfirm:
			return m.Confirm(ctx, s)
		case ActionRetype:
			return m.Retype(ctx, s)
		case ActionCancel:
			return m.Cancel(ctx, s)
		}
	case EventText:
		if h, ok := e.textHandlers[s.State]; ok {
			return h(ctx, s, ev)
		}
	}
	return m.invalidState(s, "", nil)
}

// describe is the fallback text for errors that come without a message.
func describe(err error) string {
	var (
		ef *ExtractionFailure
		sf *StoreFailure
	)
	switch {
	case errors.Is(err, ErrInvalidPrice):
		return msgInvalidPrice
	case errors.Is(err, ErrEmptyInput):
		return msgEmptyProduct
	case errors.As(err, &ef):
		if ef.Retryable {
			return msgExtractRetry
		}
		return msgExtractRephrase
	case errors.As(err, &sf):
		return msgStoreFailed
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrInvalidSelection):
		return msgNotAvailableActive
	}
	return msgGenericFailure
}

// SweepExpired resets every session untouched for longer than the TTL and
// returns how many it expired.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	if e.ttl <= 0 {
		return 0, nil
	}
	cutoff := e.machine.now().Add(-e.ttl)
	stale, err := e.sessions.StaleBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: list stale: %w", ErrSessionStorage, err)
	}
	expired := 0
	for _, candidate := range stale {
		ok, err := e.expireOne(ctx, candidate.UserID)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		logger.Info(ctx, logger.CompWizard, "sweep.done",
			slog.Int("expired", expired),
			slog.Int("total", len(stale)),
		)
	}
	return expired, nil
}

func (e *Engine) expireOne(ctx context.Context, userID int64) (bool, error) {
	unlock, err := e.locks.Lock(ctx, userID)
	if err != nil {
		return false, err
	}
	defer unlock()

	// reload under the lock: an event may have refreshed it since the scan
	s, found, err := e.sessions.Load(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("%w: load: %w", ErrSessionStorage, err)
	}
	if !found || !s.Stale(e.machine.now(), e.ttl) {
		return false, nil
	}
	if e.isCompleted(s) {
		_, _ = e.settleCompleted(ctx, s)
		return false, nil
	}
	e.machine.Expire(logger.WithDraftID(ctx, s.DraftID), s)
	if err := e.sessions.Delete(ctx, userID); err != nil {
		return false, fmt.Errorf("%w: delete: %w", ErrSessionStorage, err)
	}
	return true, nil
}

// RunSweeper calls SweepExpired every interval until ctx ends.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 || e.ttl <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := e.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				logger.Warn(ctx, logger.CompWizard, "sweep.failed", slog.String("err", err.Error()))
			}
		}
	}
}

// Ping checks the session repository.
func (e *Engine) Ping(ctx context.Context) error {
	return e.sessions.Ping(ctx)
}
