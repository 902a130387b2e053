// Package config is the marketbot configuration: the shared bot core plus
// database, extractor, session, catalog, export and HTTP settings.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	coreconfig "github.com/m3rciful/marketbot/core/config"
	coredatabase "github.com/m3rciful/marketbot/core/database"
)

// Extractor modes.
const (
	ExtractorHTTP    = "http"
	ExtractorOffline = "offline"
)

// Session backends.
const (
	SessionsMemory = "memory"
	SessionsRedis  = "redis"
)

const (
	defaultExtractorURL         = "https://openrouter.ai/api/v1/chat/completions"
	defaultExtractorModel       = "openai/gpt-4o-mini"
	defaultExtractorTemperature = 0.3
)

// ExtractorConfig selects and tunes the attribute extractor.
type ExtractorConfig struct {
	Mode   string `yaml:"mode" envconfig:"EXTRACTOR_MODE"`
	URL    string `yaml:"url" envconfig:"EXTRACTOR_URL"`
	APIKey string `yaml:"api_key" envconfig:"EXTRACTOR_API_KEY"`
	Model  string `yaml:"model" envconfig:"EXTRACTOR_MODEL"`
	// Temperature is nil until Normalize fills the default; an explicit 0 stays 0.
	Temperature *float64      `yaml:"temperature" envconfig:"EXTRACTOR_TEMPERATURE"`
	MaxTokens   int           `yaml:"max_tokens" envconfig:"EXTRACTOR_MAX_TOKENS"`
	Timeout     time.Duration `yaml:"timeout" envconfig:"EXTRACTOR_TIMEOUT"`
	Referer     string        `yaml:"referer" envconfig:"EXTRACTOR_REFERER"`
	Title       string        `yaml:"title" envconfig:"EXTRACTOR_TITLE"`
}

// SessionsConfig selects the session repository and the expiry policy.
type SessionsConfig struct {
	Backend       string        `yaml:"backend" envconfig:"SESSIONS_BACKEND"`
	RedisAddr     string        `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" envconfig:"REDIS_DB"`
	TTL           time.Duration `yaml:"ttl" envconfig:"SESSIONS_TTL"`
	SweepInterval time.Duration `yaml:"sweep_interval" envconfig:"SESSIONS_SWEEP_INTERVAL"`
	// QueueSize bounds the events a user may have waiting.
	QueueSize int `yaml:"queue_size" envconfig:"SESSIONS_QUEUE_SIZE"`
}

// CatalogConfig points at a category file. Empty uses the built-in catalog.
type CatalogConfig struct {
	Path string `yaml:"path" envconfig:"CATALOG_PATH"`
}

// ExportConfig enables JSON export of completed listings when Dir is set.
type ExportConfig struct {
	Dir string `yaml:"dir" envconfig:"EXPORT_DIR"`
}

// HTTPConfig enables the health endpoint when Listen is set.
type HTTPConfig struct {
	Listen string `yaml:"listen" envconfig:"HTTP_LISTEN"`
}

// Config is the full application configuration.
type Config struct {
	coreconfig.Config `yaml:",inline"`

	Database  coredatabase.Config `yaml:"database"`
	Extractor ExtractorConfig     `yaml:"extractor"`
	Sessions  SessionsConfig      `yaml:"sessions"`
	Catalog   CatalogConfig       `yaml:"catalog"`
	Export    ExportConfig        `yaml:"export"`
	HTTP      HTTPConfig          `yaml:"http"`
}

// CoreConfig returns the embedded bot core configuration.
func (c *Config) CoreConfig() *coreconfig.Config { return &c.Config }

// Load reads path, applies .env files and the environment, and validates
// everything the bot needs.
func Load(path string) (*Config, error) {
	return load(path, true)
}

// LoadStorage is Load for commands that never talk to Telegram: the bot
// token and run mode are not required.
func LoadStorage(path string) (*Config, error) {
	return load(path, false)
}

func load(path string, withBot bool) (*Config, error) {
	if err := loadDotenv(); err != nil {
		return nil, err
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if withBot {
		if err := coreconfig.Normalize(&cfg.Config); err != nil {
			return nil, err
		}
	}
	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotenv reads ENV_FILE (default .env) without overriding variables
// that are already set. A missing default file is fine.
func loadDotenv() error {
	file := os.Getenv("ENV_FILE")
	explicit := file != ""
	if !explicit {
		file = ".env"
	}
	err := godotenv.Load(file)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", file, err)
}

// Normalize fills defaults and validates the application sections.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if err := cfg.Database.Normalize(); err != nil {
		return err
	}

	ex := &cfg.Extractor
	ex.Mode = strings.ToLower(strings.TrimSpace(ex.Mode))
	if ex.Mode == "" {
		ex.Mode = ExtractorHTTP
	}
	switch ex.Mode {
	case ExtractorHTTP:
		if strings.TrimSpace(ex.APIKey) == "" {
			return fmt.Errorf("extractor.api_key is required when extractor.mode is 'http'")
		}
		if ex.URL == "" {
			ex.URL = defaultExtractorURL
		}
		if ex.Model == "" {
			ex.Model = defaultExtractorModel
		}
	case ExtractorOffline:
	default:
		return fmt.Errorf("invalid extractor.mode %q; allowed: http, offline", ex.Mode)
	}
	if ex.Temperature == nil {
		t := defaultExtractorTemperature
		ex.Temperature = &t
	}
	if *ex.Temperature < 0 || *ex.Temperature > 2 {
		return fmt.Errorf("extractor.temperature must be within [0, 2]")
	}
	if ex.MaxTokens < 0 {
		return fmt.Errorf("extractor.max_tokens must be >= 0")
	}
	if ex.Timeout <= 0 {
		ex.Timeout = 30 * time.Second
	}

	s := &cfg.Sessions
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	if s.Backend == "" {
		s.Backend = SessionsMemory
	}
	switch s.Backend {
	case SessionsMemory:
	case SessionsRedis:
		if strings.TrimSpace(s.RedisAddr) == "" {
			return fmt.Errorf("sessions.redis_addr is required when sessions.backend is 'redis'")
		}
	default:
		return fmt.Errorf("invalid sessions.backend %q; allowed: memory, redis", s.Backend)
	}
	if s.TTL < 0 {
		return fmt.Errorf("sessions.ttl must be >= 0")
	}
	if s.TTL == 0 {
		s.TTL = 30 * time.Minute
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = time.Minute
	}
	if s.QueueSize <= 0 {
		s.QueueSize = 8
	}
	return nil
}
