// Package storage provides the PostgreSQL persistence layer: the model
// registry, training jobs and datasets, and the prediction audit log.
package storage

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/forgesight/forgesight/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
)

// ErrDatabaseURLEmpty is returned when the database url is an empty string.
var ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

// Config holds PostgreSQL connection configuration with production-ready defaults.
type Config struct {
	databaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfig reads PostgreSQL configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     config.GetEnvStr("DATABASE_URL", ""), // kept private: it embeds credentials
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
	}
}

// NewConfig builds a Config for an explicit database URL. Tests use this with
// container connection strings.
func NewConfig(databaseURL string) *Config {
	cfg := LoadConfig()
	cfg.databaseURL = databaseURL

	return cfg
}

// Validate checks if the PostgreSQL configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// MaskDatabaseURL returns the database URL with the password replaced,
// safe for logging.
func (c *Config) MaskDatabaseURL() string {
	parsed, err := url.Parse(c.databaseURL)
	if err != nil || parsed.User == nil {
		return c.databaseURL
	}

	if _, hasPassword := parsed.User.Password(); !hasPassword {
		return c.databaseURL
	}

	parsed.User = url.UserPassword(parsed.User.Username(), "***")

	return parsed.String()
}
