package database

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/m3rciful/marketbot/core/logger"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Connect opens and pings the database and sizes its pool. A sqlite
// database is limited to one connection because sqlite serializes writers.
func Connect(cfg Config) (*sqlx.DB, error) {
	if err := prepare(&cfg); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	start := time.Now()
	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.dsn())
	attrs := []slog.Attr{
		slog.String("driver", cfg.Driver),
		slog.String("db", cfg.target()),
		slog.Duration("took", logger.Took(start)),
	}
	if err != nil {
		logger.Error(ctx, logger.CompDB, "db.connect", append(attrs, slog.String("err", err.Error()))...)
		return nil, fmt.Errorf("db connect %s: %w", cfg.target(), err)
	}

	pool := cfg.MaxConnections
	if cfg.Driver == DriverSQLite {
		pool = 1
	}
	db.SetMaxOpenConns(pool)
	db.SetMaxIdleConns(pool)
	logger.Info(ctx, logger.CompDB, "db.connect", append(attrs, slog.Int("pool_open", pool))...)
	return db, nil
}

// prepare normalizes cfg and creates the parent directory of a sqlite file.
func prepare(cfg *Config) error {
	if err := cfg.Normalize(); err != nil {
		return err
	}
	if cfg.Driver != DriverSQLite {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	return nil
}

// waitReady pings the database every interval until it answers or ctx ends.
// Postgres in docker-compose setups often starts after the bot.
func waitReady(ctx context.Context, cfg Config, interval time.Duration) error {
	var last error
	for {
		db, err := sqlx.Open(cfg.Driver, cfg.dsn())
		if err == nil {
			err = db.PingContext(ctx)
			_ = db.Close()
		}
		if err == nil {
			return nil
		}
		last = err
		logger.Debug(ctx, logger.CompDB, "db.wait", slog.String("err", err.Error()))

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("database %s not ready: %w", cfg.target(), last)
		case <-t.C:
		}
	}
}
