// Package app assembles marketbot from its configuration: storage, session
// repository, extractor, wizard engine and the Telegram adapter.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gomodule/redigo/redis"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/m3rciful/marketbot/core/bootstrap"
	"github.com/m3rciful/marketbot/core/health"
	"github.com/m3rciful/marketbot/core/logger"
	coretelegram "github.com/m3rciful/marketbot/core/telegram"
	"github.com/m3rciful/marketbot/core/telegram/mailbox"
	"github.com/m3rciful/marketbot/market/catalog"
	"github.com/m3rciful/marketbot/market/config"
	"github.com/m3rciful/marketbot/market/export"
	"github.com/m3rciful/marketbot/market/extractor"
	"github.com/m3rciful/marketbot/market/listing/sqlstore"
	"github.com/m3rciful/marketbot/market/session"
	"github.com/m3rciful/marketbot/market/tgbot"
	"github.com/m3rciful/marketbot/market/wizard"

	tele "gopkg.in/telebot.v4"
)

// App owns every long-lived component of a running bot.
type App struct {
	cfg *config.Config

	db        *sqlx.DB
	redisPool *redis.Pool

	Store    *sqlstore.Store
	Sessions session.Repository
	Engine   *wizard.Engine
	Bot      *tgbot.Bot
	Registry *coretelegram.Registry

	runTelegram func(ctx context.Context, opts coretelegram.RunOptions) error
}

// Bootstrap initializes logging, connects to the database, applies
// migrations and builds the App.
func Bootstrap(cfg *config.Config) (*App, error) {
	res, err := bootstrap.Run(bootstrap.Options{
		Config:   cfg.CoreConfig(),
		Database: cfg.Database,
	})
	if err != nil {
		return nil, err
	}
	a, err := Build(cfg, res.DB)
	if err != nil {
		_ = res.DB.Close()
		return nil, err
	}
	return a, nil
}

// Build wires the components on top of an open, migrated database.
func Build(cfg *config.Config, db *sqlx.DB) (*App, error) {
	a := &App{cfg: cfg, db: db, runTelegram: coretelegram.RunTelegram}

	cat, err := loadCatalog(cfg.Catalog)
	if err != nil {
		return nil, err
	}
	ext, err := NewExtractor(cfg.Extractor)
	if err != nil {
		return nil, err
	}
	if err := a.openSessions(cfg.Sessions); err != nil {
		return nil, err
	}
	a.Store = sqlstore.New(db)

	notifier := tgbot.NewNotifier()
	opts := []wizard.Option{
		wizard.WithExtractTimeout(cfg.Extractor.Timeout),
		wizard.WithExtractOptions(extractor.Options{
			Temperature: cfg.Extractor.Temperature,
			MaxTokens:   cfg.Extractor.MaxTokens,
			Model:       cfg.Extractor.Model,
		}),
		wizard.WithNotifier(notifier),
	}
	if cfg.Export.Dir != "" {
		opts = append(opts, wizard.WithExporter(export.New(cfg.Export.Dir)))
	}
	machine := wizard.NewMachine(cat, ext, a.Store, opts...)
	a.Engine = wizard.NewEngine(machine, a.Sessions, cfg.Sessions.TTL)

	mb := mailbox.New(mailbox.Options{QueueSize: cfg.Sessions.QueueSize})
	a.Bot = tgbot.New(a.Engine, mb, tgbot.Options{
		AdminID:  cfg.Telegram.AdminID,
		Notifier: notifier,
	})
	a.Registry = coretelegram.NewRegistry()
	if err := a.Bot.Register(a.Registry); err != nil {
		a.closeSessions()
		return nil, err
	}

	logger.Info(context.Background(), logger.CompApp, "built",
		slog.String("db", cfg.Database.Driver),
		slog.String("sessions", cfg.Sessions.Backend),
		slog.String("extractor", cfg.Extractor.Mode),
		slog.Int("categories", len(cat.Categories())),
		slog.Bool("export", cfg.Export.Dir != ""),
	)
	return a, nil
}

func loadCatalog(cfg config.CatalogConfig) (*catalog.Catalog, error) {
	if cfg.Path == "" {
		return catalog.Default()
	}
	cat, err := catalog.Load(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("app: catalog: %w", err)
	}
	return cat, nil
}

// NewExtractor returns the extractor selected by cfg.Mode.
func NewExtractor(cfg config.ExtractorConfig) (extractor.Extractor, error) {
	switch cfg.Mode {
	case config.ExtractorOffline:
		return extractor.Offline{}, nil
	case config.ExtractorHTTP:
		return extractor.NewHTTPClient(extractor.HTTPConfig{
			URL:         cfg.URL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Referer:     cfg.Referer,
			Title:       cfg.Title,
		}, nil), nil
	}
	return nil, fmt.Errorf("app: unknown extractor mode %q", cfg.Mode)
}

func (a *App) openSessions(cfg config.SessionsConfig) error {
	switch cfg.Backend {
	case config.SessionsMemory:
		a.Sessions = session.NewMemoryStore()
	case config.SessionsRedis:
		rc := session.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			// keys outlive the wizard expiry so the sweeper still sees them
			KeyTTL: 2 * cfg.TTL,
		}
		a.redisPool = session.NewRedisPool(rc)
		a.Sessions = session.NewRedisStore(a.redisPool, rc)
	default:
		return fmt.Errorf("app: unknown sessions backend %q", cfg.Backend)
	}
	return nil
}

func (a *App) closeSessions() {
	if a.redisPool != nil {
		_ = a.redisPool.Close()
		a.redisPool = nil
	}
}

// TelegramRunOptions implements core/cmd.TelegramApp.
func (a *App) TelegramRunOptions() (coretelegram.RunOptions, error) {
	core := a.cfg.CoreConfig()
	return coretelegram.RunOptions{
		Config:      core,
		Registry:    a.Registry,
		Middlewares: coretelegram.DefaultMiddlewares(core, onLimited),
		Routes:      a.Bot.Routes(a.Registry),
		Synchronous: true,
		OnStart:     a.Bot.OnStart,
		OnStop:      a.Bot.OnStop,
	}, nil
}

func onLimited(c tele.Context) error {
	if c.Callback() != nil {
		return c.Respond(&tele.CallbackResponse{Text: "⏳ Too fast, please wait a moment."})
	}
	return nil
}

// Checks are the readiness probes of the running app.
func (a *App) Checks() []health.Check {
	return []health.Check{
		{Name: "database", Ping: a.Store.Ping},
		{Name: "sessions", Ping: a.Engine.Ping},
	}
}

// Run implements core/cmd.Runner: the bot, the session sweeper and the
// health listener share one lifetime; the first to fail stops the others.
func (a *App) Run(ctx context.Context, opts coretelegram.RunOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return a.runTelegram(ctx, opts)
	})
	g.Go(func() error {
		return a.Engine.RunSweeper(ctx, a.cfg.Sessions.SweepInterval)
	})
	if a.cfg.HTTP.Listen != "" {
		g.Go(func() error {
			return health.Serve(ctx, a.cfg.HTTP.Listen, health.NewRouter(a.Checks()...))
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the database and the session backend.
func (a *App) Close() error {
	a.closeSessions()
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}
