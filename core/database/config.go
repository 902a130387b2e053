// Package database opens the listing database and applies the embedded
// schema migrations. Postgres is used in production, sqlite for local runs
// and tests.
package database

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	defaultSQLitePath     = "data/marketbot.db"
	defaultMaxConnections = 10
	defaultConnectTimeout = 5 * time.Second
	defaultReadyTimeout   = 30 * time.Second
)

// Config holds database connection settings.
type Config struct {
	Driver         string `yaml:"driver" envconfig:"DB_DRIVER"`
	Host           string `yaml:"host" envconfig:"DB_HOST"`
	Port           string `yaml:"port" envconfig:"DB_PORT"`
	User           string `yaml:"user" envconfig:"DB_USER"`
	Password       string `yaml:"password" envconfig:"DB_PASSWORD"`
	Name           string `yaml:"name" envconfig:"DB_NAME"`
	SSLMode        string `yaml:"sslmode" envconfig:"DB_SSLMODE"`
	MaxConnections int    `yaml:"max_connections" envconfig:"DB_MAX_CONNECTIONS"`
	// ReadyTimeout bounds how long migrations wait for postgres to accept
	// connections.
	ReadyTimeout time.Duration `yaml:"ready_timeout" envconfig:"DB_READY_TIMEOUT"`
	// Path is the database file used by the sqlite driver.
	Path string `yaml:"path" envconfig:"DB_PATH"`
}

// Normalize fills defaults and validates driver specific fields.
func (c *Config) Normalize() error {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = defaultReadyTimeout
	}

	switch c.Driver {
	case DriverSQLite:
		if c.Path = strings.TrimSpace(c.Path); c.Path == "" {
			c.Path = defaultSQLitePath
		}
		return nil
	case DriverPostgres:
	default:
		return fmt.Errorf("invalid database.driver %q; allowed: postgres, sqlite", c.Driver)
	}

	var missing []string
	if c.Host == "" {
		missing = append(missing, "database.host")
	}
	if c.Name == "" {
		missing = append(missing, "database.name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s required for postgres", strings.Join(missing, " and "))
	}
	if c.Port == "" {
		c.Port = "5432"
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	return nil
}

// pgURL builds a postgres:// URL. lib/pq and golang-migrate both take it,
// and url.UserPassword escapes credentials with reserved characters.
func (c Config) pgURL() *url.URL {
	u := &url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	return u
}

// dsn is what sqlx.Connect receives for the configured driver.
func (c Config) dsn() string {
	if c.Driver == DriverSQLite {
		return "file:" + c.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	return c.pgURL().String()
}

// migrateURL is the golang-migrate database URL.
func (c Config) migrateURL() string {
	if c.Driver == DriverSQLite {
		return "sqlite://" + c.Path
	}
	return c.pgURL().String()
}

// target describes the database for logs without credentials.
func (c Config) target() string {
	if c.Driver == DriverSQLite {
		return c.Path
	}
	return net.JoinHostPort(c.Host, c.Port) + "/" + c.Name
}
