// Package bootstrap brings up the shared infrastructure every bot needs
// before its own components: logging, the database and its schema.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	coreconfig "github.com/m3rciful/marketbot/core/config"
	coredatabase "github.com/m3rciful/marketbot/core/database"
	"github.com/m3rciful/marketbot/core/logger"
)

// Options selects the config and, for tests, replaces individual steps.
type Options struct {
	Config   *coreconfig.Config
	Database coredatabase.Config

	LoggerInit func(*coreconfig.Config) error
	Migrate    func(coredatabase.Config) error
	Connect    func(coredatabase.Config) (*sqlx.DB, error)
}

// Result carries what Run initialized.
type Result struct {
	DB *sqlx.DB
}

func (o *Options) defaults() {
	if o.LoggerInit == nil {
		o.LoggerInit = logger.InitLogger
	}
	if o.Migrate == nil {
		o.Migrate = coredatabase.RunMigrations
	}
	if o.Connect == nil {
		o.Connect = coredatabase.Connect
	}
}

// Run initializes the logger, migrates the schema and opens the pool.
// Migrations run first so the pool never sees a stale schema.
func Run(opts Options) (*Result, error) {
	if opts.Config == nil {
		return nil, errors.New("bootstrap: nil config")
	}
	opts.defaults()

	if err := opts.LoggerInit(opts.Config); err != nil {
		return nil, fmt.Errorf("bootstrap: logger: %w", err)
	}
	if err := opts.Migrate(opts.Database); err != nil {
		return nil, fmt.Errorf("bootstrap: migrations: %w", err)
	}
	db, err := opts.Connect(opts.Database)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: database: %w", err)
	}
	logger.Debug(context.Background(), logger.CompApp, "bootstrap.done")
	return &Result{DB: db}, nil
}
