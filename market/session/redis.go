package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gomodule/redigo/redis"

	"github.com/m3rciful/marketbot/core/logger"
)

const defaultKeyPrefix = "marketbot:session:"

// RedisConfig configures the Redis session store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyTTL bounds how long an untouched key survives in Redis. The wizard
	// expiry policy runs well before it; zero keeps keys forever.
	KeyTTL    time.Duration
	KeyPrefix string
}

// RedisStore keeps sessions as JSON documents in Redis so they survive restarts.
type RedisStore struct {
	pool   *redis.Pool
	prefix string
	ttl    time.Duration
}

// NewRedisPool builds a connection pool for cfg.
func NewRedisPool(cfg RedisConfig) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 5 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", cfg.Addr,
				redis.DialPassword(cfg.Password),
				redis.DialDatabase(cfg.DB),
				redis.DialConnectTimeout(5*time.Second),
				redis.DialReadTimeout(5*time.Second),
				redis.DialWriteTimeout(5*time.Second),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// NewRedisStore wraps pool. The caller owns the pool and closes it.
func NewRedisStore(pool *redis.Pool, cfg RedisConfig) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{pool: pool, prefix: prefix, ttl: cfg.KeyTTL}
}

func (r *RedisStore) key(userID int64) string {
	return r.prefix + strconv.FormatInt(userID, 10)
}

func (r *RedisStore) conn(ctx context.Context) (redis.Conn, error) {
	c, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	return c, nil
}

// Load reads and decodes the user's session.
func (r *RedisStore) Load(ctx context.Context, userID int64) (Session, bool, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return Session{}, false, err
	}
	defer c.Close()

	data, err := redis.Bytes(redis.DoContext(c, ctx, "GET", r.key(userID)))
	if errors.Is(err, redis.ErrNil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("redis get session %d: %w", userID, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, false, fmt.Errorf("decode session %d: %w", userID, err)
	}
	return s, true, nil
}

// Save encodes s and writes it with the configured key TTL.
func (r *RedisStore) Save(ctx context.Context, s Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %d: %w", s.UserID, err)
	}
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	args := redis.Args{r.key(s.UserID), data}
	if r.ttl > 0 {
		args = args.Add("PX", r.ttl.Milliseconds())
	}
	if _, err := redis.DoContext(c, ctx, "SET", args...); err != nil {
		return fmt.Errorf("redis set session %d: %w", s.UserID, err)
	}
	return nil
}

// Delete removes the user's key.
func (r *RedisStore) Delete(ctx context.Context, userID int64) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := redis.DoContext(c, ctx, "DEL", r.key(userID)); err != nil {
		return fmt.Errorf("redis del session %d: %w", userID, err)
	}
	return nil
}

// StaleBefore scans every session key. It is meant for the periodic sweeper,
// not for hot paths.
func (r *RedisStore) StaleBefore(ctx context.Context, cutoff time.Time) ([]Session, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var out []Session
	cursor := 0
	for {
		reply, err := redis.Values(redis.DoContext(c, ctx, "SCAN", cursor, "MATCH", r.prefix+"*", "COUNT", 100))
		if err != nil {
			return nil, fmt.Errorf("redis scan sessions: %w", err)
		}
		var keys []string
		if _, err := redis.Scan(reply, &cursor, &keys); err != nil {
			return nil, fmt.Errorf("redis scan reply: %w", err)
		}
		for _, k := range keys {
			id, err := strconv.ParseInt(strings.TrimPrefix(k, r.prefix), 10, 64)
			if err != nil {
				continue
			}
			data, err := redis.Bytes(redis.DoContext(c, ctx, "GET", k))
			if errors.Is(err, redis.ErrNil) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("redis get session %d: %w", id, err)
			}
			var s Session
			if err := json.Unmarshal(data, &s); err != nil {
				logger.Warn(ctx, logger.CompSessions, "session.decode",
					slog.Int64("user_id", id),
					slog.String("err", err.Error()),
				)
				continue
			}
			if s.Active() && s.UpdatedAt.Before(cutoff) {
				out = append(out, s)
			}
		}
		if cursor == 0 {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Ping checks connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if _, err := redis.DoContext(c, ctx, "PING"); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
