package session

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/marketbot/market/listing"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func sampleSession(userID int64, st State, updated time.Time) Session {
	return Session{
		UserID:      userID,
		State:       st,
		Category:    "Electronics",
		Subcategory: "Smartphones & Accessories",
		ProductText: "iPhone 13 Pro Max 256GB Space Gray",
		Extracted: &Extraction{
			Attributes: listing.NewAttributes("Brand", "Apple", "Storage Capacity", "256GB"),
			Confidence: 0.9,
			PriceSuggestion: &listing.PriceSuggestion{
				MinPrice: 400, MaxPrice: 800, Currency: "USD", Reasoning: "Based on iPhone resale values",
			},
		},
		DraftID:   "draft-" + strconv.FormatInt(userID, 10),
		UpdatedAt: updated,
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, New(1).Validate())
	require.NoError(t, sampleSession(1, StateAwaitingConfirmation, base).Validate())

	cases := map[string]Session{
		"no user":          {State: StateIdle},
		"unknown state":    {UserID: 1, State: "flying"},
		"sub without cat":  {UserID: 1, State: StateAwaitingProductName, Subcategory: "Laptops"},
		"extract w/o text": {UserID: 1, State: StateAwaitingConfirmation, Category: "a", Subcategory: "b", Extracted: &Extraction{}},
		"confidence > 1":   {UserID: 1, State: StateAwaitingConfirmation, ProductText: "x", Extracted: &Extraction{Confidence: 1.5}},
		"negative conf":    {UserID: 1, State: StateAwaitingConfirmation, ProductText: "x", Extracted: &Extraction{Confidence: -0.1}},
	}
	for name, s := range cases {
		assert.ErrorIs(t, s.Validate(), ErrInvalidSession, name)
	}
}

func TestResetClearsWizardFields(t *testing.T) {
	s := sampleSession(9, StateAwaitingPrice, base).Reset()
	assert.Equal(t, Session{UserID: 9, State: StateIdle, UpdatedAt: base}, s)
	assert.False(t, s.Active())
}

func TestStale(t *testing.T) {
	s := sampleSession(1, StateAwaitingCategory, base)
	assert.False(t, s.Stale(base.Add(29*time.Minute), 30*time.Minute))
	assert.True(t, s.Stale(base.Add(31*time.Minute), 30*time.Minute))
	assert.False(t, s.Stale(base.Add(31*time.Minute), 0))
	assert.False(t, New(1).Stale(base.Add(time.Hour), time.Minute))
}

func TestCloneIsDeep(t *testing.T) {
	s := sampleSession(1, StateAwaitingConfirmation, base)
	c := s.Clone()
	c.Extracted.Attributes.Set("Brand", "Samsung")
	c.Extracted.PriceSuggestion.MaxPrice = 1
	v, _ := s.Extracted.Attributes.Get("Brand")
	assert.Equal(t, "Apple", v)
	assert.Equal(t, 800.0, s.Extracted.PriceSuggestion.MaxPrice)
}

func exerciseRepository(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()

	_, found, err := repo.Load(ctx, 1)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, repo.Save(ctx, sampleSession(1, StateAwaitingConfirmation, base)))
	require.NoError(t, repo.Save(ctx, sampleSession(2, StateAwaitingPrice, base.Add(time.Hour))))
	require.NoError(t, repo.Save(ctx, sampleSession(3, StateAwaitingCategory, base.Add(-time.Hour))))
	require.ErrorIs(t, repo.Save(ctx, Session{UserID: 4, State: "nope"}), ErrInvalidSession)

	got, found, err := repo.Load(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StateAwaitingConfirmation, got.State)
	assert.Equal(t, "draft-1", got.DraftID)
	assert.True(t, base.Equal(got.UpdatedAt))
	require.NotNil(t, got.Extracted)
	assert.Equal(t, []string{"Brand", "Storage Capacity"}, got.Extracted.Attributes.Keys())
	require.NotNil(t, got.Extracted.PriceSuggestion)
	assert.Equal(t, listing.PriceSuggestion{
		MinPrice: 400, MaxPrice: 800, Currency: "USD", Reasoning: "Based on iPhone resale values",
	}, *got.Extracted.PriceSuggestion)

	stale, err := repo.StaleBefore(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	ids := make([]int64, 0, len(stale))
	for _, s := range stale {
		ids = append(ids, s.UserID)
	}
	assert.Equal(t, []int64{1, 3}, ids)

	require.NoError(t, repo.Delete(ctx, 1))
	require.NoError(t, repo.Delete(ctx, 1))
	_, found, err = repo.Load(ctx, 1)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, repo.Ping(ctx))
}

func TestMemoryStore(t *testing.T) {
	exerciseRepository(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	s := sampleSession(1, StateAwaitingConfirmation, base)
	require.NoError(t, m.Save(ctx, s))
	s.Extracted.Attributes.Set("Brand", "Nokia")

	got, _, err := m.Load(ctx, 1)
	require.NoError(t, err)
	v, _ := got.Extracted.Attributes.Get("Brand")
	assert.Equal(t, "Apple", v)
}

func TestRedisStore(t *testing.T) {
	fake := newFakeRedis()
	pool := &redis.Pool{Dial: func() (redis.Conn, error) { return fake.conn(), nil }}
	defer pool.Close()

	store := NewRedisStore(pool, RedisConfig{KeyTTL: time.Hour})
	exerciseRepository(t, store)

	require.NoError(t, store.Save(context.Background(), sampleSession(7, StateAwaitingPrice, base)))
	assert.Equal(t, int64(time.Hour/time.Millisecond), fake.ttl(defaultKeyPrefix+"7"))
}

func TestRedisStoreSkipsForeignKeys(t *testing.T) {
	fake := newFakeRedis()
	fake.data[defaultKeyPrefix+"not-a-number"] = []byte("{}")
	fake.data[defaultKeyPrefix+"5"] = []byte("{broken")
	pool := &redis.Pool{Dial: func() (redis.Conn, error) { return fake.conn(), nil }}
	defer pool.Close()

	stale, err := NewRedisStore(pool, RedisConfig{}).StaleBefore(context.Background(), base)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestLocksSerializePerUser(t *testing.T) {
	locks := NewLocks()
	ctx := context.Background()

	var mu sync.Mutex
	active := map[int64]int{}
	maxSeen := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			unlock, err := locks.Lock(ctx, user)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			active[user]++
			if active[user] > maxSeen {
				maxSeen = active[user]
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active[user]--
			mu.Unlock()
			unlock()
		}(int64(i % 2))
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, locks.Held())
}

func TestLockHonoursContext(t *testing.T) {
	locks := NewLocks()
	unlock, err := locks.Lock(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, 1)
	require.ErrorIs(t, err, ErrLockTimeout)

	<-ctx.Done()
	other, err := locks.Lock(ctx, 2)
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	assert.Equal(t, 0, locks.Held())
}

func TestLockFreeLockWinsOverDoneContext(t *testing.T) {
	locks := NewLocks()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 100; i++ {
		unlock, err := locks.Lock(ctx, int64(i%3))
		require.NoError(t, err, i)
		unlock()
	}
	assert.Equal(t, 0, locks.Held())
}

// fakeRedis implements the handful of commands RedisStore issues.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]int64
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string][]byte{}, ttls: map[string]int64{}}
}

func (f *fakeRedis) conn() redis.Conn { return &fakeConn{f: f} }

func (f *fakeRedis) ttl(key string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ttls[key]
}

type fakeConn struct{ f *fakeRedis }

func (c *fakeConn) Close() error                                        { return nil }
func (c *fakeConn) Err() error                                          { return nil }
func (c *fakeConn) Send(string, ...interface{}) error                   { return nil }
func (c *fakeConn) Flush() error                                        { return nil }
func (c *fakeConn) Receive() (interface{}, error)                       { return nil, nil }
func (c *fakeConn) ReceiveContext(context.Context) (interface{}, error) { return nil, nil }

func (c *fakeConn) DoContext(_ context.Context, cmd string, args ...interface{}) (interface{}, error) {
	return c.Do(cmd, args...)
}

func (c *fakeConn) Do(cmd string, args ...interface{}) (interface{}, error) {
	f := c.f
	f.mu.Lock()
	defer f.mu.Unlock()

	str := func(v interface{}) string {
		switch x := v.(type) {
		case string:
			return x
		case []byte:
			return string(x)
		default:
			return fmt.Sprint(x)
		}
	}
	switch strings.ToUpper(cmd) {
	case "":
		return nil, nil
	case "PING":
		return "PONG", nil
	case "GET":
		v, ok := f.data[str(args[0])]
		if !ok {
			return nil, nil
		}
		return v, nil
	case "SET":
		key := str(args[0])
		f.data[key] = []byte(str(args[1]))
		delete(f.ttls, key)
		if len(args) == 4 && strings.EqualFold(str(args[2]), "PX") {
			ms, _ := strconv.ParseInt(str(args[3]), 10, 64)
			f.ttls[key] = ms
		}
		return "OK", nil
	case "DEL":
		key := str(args[0])
		_, ok := f.data[key]
		delete(f.data, key)
		if ok {
			return int64(1), nil
		}
		return int64(0), nil
	case "SCAN":
		prefix := strings.TrimSuffix(str(args[2]), "*")
		var keys []string
		for k := range f.data {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		items := make([]interface{}, len(keys))
		for i, k := range keys {
			items[i] = []byte(k)
		}
		return []interface{}{[]byte("0"), items}, nil
	}
	return nil, fmt.Errorf("fake redis: unsupported command %s", cmd)
}
