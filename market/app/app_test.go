package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreconfig "github.com/m3rciful/marketbot/core/config"
	"github.com/m3rciful/marketbot/core/database"
	coretelegram "github.com/m3rciful/marketbot/core/telegram"
	"github.com/m3rciful/marketbot/market/config"
	"github.com/m3rciful/marketbot/market/wizard"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Config: coreconfig.Config{
			Telegram: coreconfig.TelegramConfig{Token: "123:abc", AdminID: 1},
		},
		Database:  database.Config{Driver: database.DriverSQLite, Path: filepath.Join(t.TempDir(), "app.db")},
		Extractor: config.ExtractorConfig{Mode: config.ExtractorOffline},
		Export:    config.ExportConfig{Dir: filepath.Join(t.TempDir(), "exports")},
	}
	require.NoError(t, coreconfig.Normalize(&cfg.Config))
	require.NoError(t, config.Normalize(cfg))
	return cfg
}

func buildApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	require.NoError(t, database.RunMigrations(cfg.Database))
	db, err := database.Connect(cfg.Database)
	require.NoError(t, err)
	a, err := Build(cfg, db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestBuildWiresEngine(t *testing.T) {
	a := buildApp(t, testConfig(t))
	ctx := context.Background()

	reply, err := a.Engine.Handle(ctx, wizard.Event{Type: wizard.EventCommand, UserID: 5, Command: wizard.CommandSell})
	require.NoError(t, err)
	require.NoError(t, reply.Err)
	require.NotEmpty(t, reply.Keyboard)
	assert.Equal(t, wizard.ActionCategory, reply.Keyboard[0].Action)

	for _, c := range a.Checks() {
		assert.NoError(t, c.Ping(ctx), c.Name)
	}

	_, _, ok := a.Registry.LookupCommand("/my_listings")
	assert.True(t, ok)
}

func TestTelegramRunOptions(t *testing.T) {
	a := buildApp(t, testConfig(t))
	opts, err := a.TelegramRunOptions()
	require.NoError(t, err)
	assert.True(t, opts.Synchronous)
	assert.Same(t, a.Registry, opts.Registry)
	assert.NotEmpty(t, opts.Routes)
	assert.NotEmpty(t, opts.Middlewares)
	assert.NotNil(t, opts.OnStart)
	assert.NotNil(t, opts.OnStop)
}

func TestRunStopsWithContext(t *testing.T) {
	a := buildApp(t, testConfig(t))
	a.runTelegram = func(ctx context.Context, _ coretelegram.RunOptions) error {
		<-ctx.Done()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, coretelegram.RunOptions{}) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunReturnsTelegramFailure(t *testing.T) {
	a := buildApp(t, testConfig(t))
	boom := errors.New("bot initialization failed")
	a.runTelegram = func(context.Context, coretelegram.RunOptions) error { return boom }
	assert.ErrorIs(t, a.Run(context.Background(), coretelegram.RunOptions{}), boom)
}

func TestNewExtractorModes(t *testing.T) {
	_, err := NewExtractor(config.ExtractorConfig{Mode: config.ExtractorOffline})
	assert.NoError(t, err)
	_, err = NewExtractor(config.ExtractorConfig{Mode: config.ExtractorHTTP, URL: "http://localhost", APIKey: "k"})
	assert.NoError(t, err)
	_, err = NewExtractor(config.ExtractorConfig{Mode: "magic"})
	assert.Error(t, err)
}

func TestBuildRejectsMissingCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Catalog.Path = filepath.Join(t.TempDir(), "missing.yaml")
	require.NoError(t, database.RunMigrations(cfg.Database))
	db, err := database.Connect(cfg.Database)
	require.NoError(t, err)
	defer db.Close()
	_, err = Build(cfg, db)
	assert.Error(t, err)
}
