// Package cmd drives a bot process: config, bootstrap, signal handling and
// the Telegram runtime.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	coreconfig "github.com/m3rciful/marketbot/core/config"
	"github.com/m3rciful/marketbot/core/logger"
	coretelegram "github.com/m3rciful/marketbot/core/telegram"
)

// DefaultConfigEnvVar names the variable consulted when no path is given.
const DefaultConfigEnvVar = "CONFIG_PATH"

// ConfigCarrier exposes the embedded core configuration.
type ConfigCarrier interface {
	CoreConfig() *coreconfig.Config
}

// TelegramApp builds the options for the Telegram runtime.
type TelegramApp interface {
	TelegramRunOptions() (coretelegram.RunOptions, error)
}

// Runner is implemented by apps that run more than the bot, such as an
// HTTP listener. Run must call the Telegram runtime itself.
type Runner interface {
	Run(ctx context.Context, opts coretelegram.RunOptions) error
}

// Options wire Run to a concrete application.
type Options struct {
	// ConfigPath wins over ConfigEnvVar, which wins over DefaultConfigPath.
	ConfigPath        string
	ConfigEnvVar      string
	DefaultConfigPath string

	LoadConfig func(path string) (ConfigCarrier, error)
	Bootstrap  func(cfg ConfigCarrier) (TelegramApp, error)

	ShutdownLogger func() error
	RunTelegram    func(ctx context.Context, opts coretelegram.RunOptions) error
}

// ConfigPath applies the flag > environment > default precedence.
func ConfigPath(flag, envVar, def string) string {
	if flag != "" {
		return flag
	}
	if envVar == "" {
		envVar = DefaultConfigEnvVar
	}
	if p := os.Getenv(envVar); p != "" {
		return p
	}
	return def
}

// Run loads the config, bootstraps the app and blocks in the Telegram
// runtime until SIGINT or SIGTERM.
func Run(opts Options) error {
	switch {
	case opts.LoadConfig == nil:
		return errors.New("cmd: LoadConfig is required")
	case opts.Bootstrap == nil:
		return errors.New("cmd: Bootstrap is required")
	}
	path := ConfigPath(opts.ConfigPath, opts.ConfigEnvVar, opts.DefaultConfigPath)
	if path == "" {
		return errors.New("cmd: no config path given")
	}

	startedAt := time.Now()
	cfg, err := opts.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("cmd: load config %s: %w", path, err)
	}
	if cfg.CoreConfig() == nil {
		return errors.New("cmd: config carries no core section")
	}
	app, err := opts.Bootstrap(cfg)
	if err != nil {
		return fmt.Errorf("cmd: bootstrap: %w", err)
	}

	shutdown := opts.ShutdownLogger
	if shutdown == nil {
		shutdown = logger.Shutdown
	}
	defer func() {
		if err := shutdown(); err != nil {
			fmt.Fprintln(os.Stderr, "logger shutdown:", err)
		}
	}()
	if c, ok := app.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				logger.Error(context.Background(), logger.CompApp, "app.close", slog.String("err", err.Error()))
			}
		}()
	}
	logger.Info(context.Background(), logger.CompApp, "config.loaded", slog.String("path", path))

	runOpts, err := app.TelegramRunOptions()
	if err != nil {
		return fmt.Errorf("cmd: telegram options: %w", err)
	}
	hookLifecycle(&runOpts, startedAt)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := opts.RunTelegram
	if run == nil {
		run = coretelegram.RunTelegram
	}
	if r, ok := app.(Runner); ok {
		run = r.Run
	}
	return run(ctx, runOpts)
}

// hookLifecycle wraps the app's start and stop hooks with ready and
// shutdown log lines.
func hookLifecycle(o *coretelegram.RunOptions, startedAt time.Time) {
	onStart, onStop := o.OnStart, o.OnStop
	o.OnStart = func(ctx context.Context, rt coretelegram.Runtime) error {
		if onStart != nil {
			if err := onStart(ctx, rt); err != nil {
				return err
			}
		}
		logger.Info(ctx, logger.CompApp, "ready", slog.Duration("startup", time.Since(startedAt)))
		return nil
	}
	o.OnStop = func(ctx context.Context, rt coretelegram.Runtime) error {
		logger.Info(ctx, logger.CompApp, "shutdown")
		if onStop == nil {
			return nil
		}
		return onStop(ctx, rt)
	}
}
