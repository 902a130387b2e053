package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/m3rciful/marketbot/core/logger"
	"github.com/m3rciful/marketbot/migrations"
)

// MigrationReport summarizes one RunMigrations call.
type MigrationReport struct {
	From, To uint
	Applied  []string
	Took     time.Duration
}

// RunMigrations applies every pending up migration embedded for cfg.Driver.
// Running it against an up-to-date database is a no-op.
func RunMigrations(cfg Config) error {
	_, err := Migrate(context.Background(), cfg)
	return err
}

// Migrate is RunMigrations with a context and a report of what changed.
func Migrate(ctx context.Context, cfg Config) (MigrationReport, error) {
	if err := prepare(&cfg); err != nil {
		return MigrationReport{}, err
	}
	if cfg.Driver == DriverPostgres {
		waitCtx, cancel := context.WithTimeout(ctx, cfg.ReadyTimeout)
		err := waitReady(waitCtx, cfg, 2*time.Second)
		cancel()
		if err != nil {
			logger.Error(ctx, logger.CompMigrate, "db.migrate", slog.String("err", err.Error()))
			return MigrationReport{}, err
		}
	}

	files := upFiles(migrations.FS, cfg.Driver)
	preview, truncated := logger.SummarizeStrings(files, 6)
	logger.Debug(ctx, logger.CompMigrate, "resolve",
		slog.String("driver", cfg.Driver),
		slog.Int("files_total", len(files)),
		slog.String("files_preview", preview),
		slog.Bool("files_truncated", truncated),
	)

	m, err := open(cfg)
	if err != nil {
		logger.Error(ctx, logger.CompMigrate, "db.migrate", slog.String("err", err.Error()))
		return MigrationReport{}, err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn(ctx, logger.CompMigrate, "close", slog.String("err", err.Error()))
		}
	}()

	var rep MigrationReport
	rep.From, _, _ = m.Version()
	start := time.Now()
	err = m.Up()
	rep.Took = logger.Took(start)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Error(ctx, logger.CompMigrate, "apply",
			slog.String("err", err.Error()),
			slog.Duration("took", rep.Took),
		)
		return rep, fmt.Errorf("apply migrations: %w", err)
	}
	rep.To, _, _ = m.Version()
	rep.Applied = between(files, uint64(rep.From), uint64(rep.To))

	logger.Info(ctx, logger.CompMigrate, "summary",
		slog.Uint64("from_ver", uint64(rep.From)),
		slog.Uint64("to_ver", uint64(rep.To)),
		slog.Int("files", len(rep.Applied)),
		slog.Duration("took", rep.Took),
	)
	return rep, nil
}

type migrator struct{ *migrate.Migrate }

// Close folds the source and database close errors into one.
func (m migrator) Close() error {
	srcErr, dbErr := m.Migrate.Close()
	return errors.Join(srcErr, dbErr)
}

func open(cfg Config) (migrator, error) {
	src, err := iofs.New(migrations.FS, cfg.Driver)
	if err != nil {
		return migrator{}, fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, cfg.migrateURL())
	if err != nil {
		return migrator{}, fmt.Errorf("init migrations for %s: %w", cfg.target(), err)
	}
	return migrator{m}, nil
}

// upFiles lists the up migrations under dir in version order.
func upFiles(fsys fs.FS, dir string) []string {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names
}

func version(name string) uint64 {
	prefix, _, _ := strings.Cut(name, "_")
	v, _ := strconv.ParseUint(prefix, 10, 64)
	return v
}

// between returns the files with a version in (from, to].
func between(files []string, from, to uint64) []string {
	var out []string
	for _, f := range files {
		if v := version(f); v > from && v <= to {
			out = append(out, f)
		}
	}
	return out
}
