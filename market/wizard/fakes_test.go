package wizard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/m3rciful/marketbot/market/catalog"
	"github.com/m3rciful/marketbot/market/extractor"
	"github.com/m3rciful/marketbot/market/listing"
	"github.com/m3rciful/marketbot/market/session"
)

const (
	userA       = int64(101)
	userB       = int64(202)
	phoneText   = "iPhone 13 Pro Max 256GB Space Gray"
	electronics = "Electronics"
	smartphones = "Smartphones & Accessories"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeStore struct {
	mu        sync.Mutex
	listings  []listing.Listing
	actions   []listing.ActionEntry
	createErr error
	listErr   error
	appendErr error
	now       func() time.Time
}

func (f *fakeStore) CreateListing(_ context.Context, l listing.Listing) (listing.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return listing.Listing{}, f.createErr
	}
	if err := l.Validate(); err != nil {
		return listing.Listing{}, err
	}
	l.ID = int64(len(f.listings) + 1)
	l.CreatedAt = f.now()
	l.UpdatedAt = l.CreatedAt
	f.listings = append(f.listings, l)
	return l, nil
}

func (f *fakeStore) ListListingsForUser(_ context.Context, ownerID int64, limit int) ([]listing.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []listing.Listing
	for i := len(f.listings) - 1; i >= 0 && len(out) < limit; i-- {
		if f.listings[i].OwnerID == ownerID {
			out = append(out, f.listings[i])
		}
	}
	return out, nil
}

func (f *fakeStore) AppendActionLog(_ context.Context, e listing.ActionEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.actions = append(f.actions, e)
	return nil
}

func (f *fakeStore) Listings() []listing.Listing {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]listing.Listing(nil), f.listings...)
}

// Actions returns the action names logged for userID, in order.
func (f *fakeStore) Actions(userID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, a := range f.actions {
		if a.UserID == userID {
			out = append(out, a.Action)
		}
	}
	return out
}

func (f *fakeStore) Entries(userID int64) []listing.ActionEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []listing.ActionEntry
	for _, a := range f.actions {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out
}

type fakeExtractor struct {
	mu    sync.Mutex
	calls []extractor.Request
	fn    func(ctx context.Context, req extractor.Request) (extractor.Result, error)
}

func (f *fakeExtractor) Extract(ctx context.Context, req extractor.Request) (extractor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return phoneResult(), nil
	}
	return fn(ctx, req)
}

func (f *fakeExtractor) set(fn func(ctx context.Context, req extractor.Request) (extractor.Result, error)) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func (f *fakeExtractor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func phoneResult() extractor.Result {
	return extractor.Result{
		Attributes: listing.NewAttributes("Brand", "Apple", "Storage", "256GB", "Color", "Space Gray"),
		Confidence: 0.9,
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	replies []Reply
}

func (n *recordingNotifier) Notify(_ context.Context, _ int64, r Reply) {
	n.mu.Lock()
	n.replies = append(n.replies, r)
	n.mu.Unlock()
}

type stubExporter struct {
	mu   sync.Mutex
	got  []listing.Listing
	name string
	err  error
}

func (s *stubExporter) Export(_ context.Context, l listing.Listing) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, l)
	return s.name, s.err
}

// brokenRepo fails every call.
type brokenRepo struct{ err error }

func (b brokenRepo) Load(context.Context, int64) (session.Session, bool, error) {
	return session.Session{}, false, b.err
}
func (b brokenRepo) Save(context.Context, session.Session) error { return b.err }
func (b brokenRepo) Delete(context.Context, int64) error         { return b.err }
func (b brokenRepo) StaleBefore(context.Context, time.Time) ([]session.Session, error) {
	return nil, b.err
}
func (b brokenRepo) Ping(context.Context) error { return b.err }

// failingSaves loads from an inner repository but refuses writes.
type failingSaves struct {
	*session.MemoryStore
}

func (f failingSaves) Save(context.Context, session.Session) error {
	return errors.New("disk full")
}

// failingDeletes refuses deletes while fail is set.
type failingDeletes struct {
	*session.MemoryStore
	fail    atomic.Bool
	refused atomic.Int32
}

func (f *failingDeletes) Delete(ctx context.Context, userID int64) error {
	if f.fail.Load() {
		f.refused.Add(1)
		return errors.New("connection reset")
	}
	return f.MemoryStore.Delete(ctx, userID)
}

type harness struct {
	machine *Machine
	engine  *Engine
	store   *fakeStore
	ext     *fakeExtractor
	repo    *session.MemoryStore
	clock   *testClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)

	clock := &testClock{now: t0}
	store := &fakeStore{now: clock.Now}
	ext := &fakeExtractor{}
	var (
		idMu sync.Mutex
		ids  int
	)
	base := []Option{
		WithClock(clock.Now),
		WithDraftIDs(func() string {
			idMu.Lock()
			defer idMu.Unlock()
			ids++
			return fmt.Sprintf("draft-%d", ids)
		}),
	}
	m := NewMachine(cat, ext, store, append(base, opts...)...)
	repo := session.NewMemoryStore()
	return &harness{
		machine: m,
		engine:  NewEngine(m, repo, DefaultSessionTTL),
		store:   store,
		ext:     ext,
		repo:    repo,
		clock:   clock,
	}
}

// advance drives a fresh session for userID through the machine until it
// reaches target.
func (h *harness) advance(t *testing.T, userID int64, target session.State) session.Session {
	t.Helper()
	ctx := context.Background()
	s := session.New(userID)
	if target == session.StateIdle {
		return s
	}
	steps := []func(session.Session) (session.Session, Reply, error){
		func(s session.Session) (session.Session, Reply, error) { return h.machine.StartWizard(ctx, s) },
		func(s session.Session) (session.Session, Reply, error) {
			return h.machine.SelectCategory(ctx, s, electronics)
		},
		func(s session.Session) (session.Session, Reply, error) {
			return h.machine.SelectSubcategory(ctx, s, smartphones)
		},
		func(s session.Session) (session.Session, Reply, error) {
			return h.machine.SubmitProductName(ctx, s, phoneText)
		},
		func(s session.Session) (session.Session, Reply, error) { return h.machine.Confirm(ctx, s) },
	}
	for _, step := range steps {
		next, _, err := step(s)
		require.NoError(t, err)
		s = next
		if s.State == target {
			return s
		}
	}
	t.Fatalf("state %s not reachable", target)
	return s
}

func (h *harness) send(t *testing.T, ev Event) Reply {
	t.Helper()
	r, err := h.engine.Handle(context.Background(), ev)
	require.NoError(t, err)
	return r
}

func command(user int64, name string) Event {
	return Event{Type: EventCommand, UserID: user, Command: name}
}

func button(user int64, action, value string) Event {
	return Event{Type: EventButton, UserID: user, Action: action, Payload: value}
}

func text(user int64, payload string) Event {
	return Event{Type: EventText, UserID: user, UserName: "seller", Payload: payload}
}

var activeStates = []session.State{
	session.StateAwaitingCategory,
	session.StateAwaitingSubcategory,
	session.StateAwaitingProductName,
	session.StateAwaitingConfirmation,
	session.StateAwaitingPrice,
}
