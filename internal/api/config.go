// Package api provides the HTTP API server for the ForgeSight service.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgesight/forgesight/internal/config"
)

const (
	defaultPort           int   = 8080
	maxPort               int   = 65535
	defaultHost                 = "0.0.0.0"
	defaultReadTimeout          = 60 * time.Second // STL uploads can be tens of megabytes
	defaultWriteTimeout         = 30 * time.Second
	defaultShutdownGrace        = 30 * time.Second
	defaultLogLevel             = slog.LevelInfo
	defaultMaxUploadBytes int64 = 50 << 20
)

var (
	// ErrInvalidPort indicates the port number is outside valid range (1-65535).
	ErrInvalidPort = errors.New("invalid port")

	// ErrEmptyHost indicates the server host address is empty.
	ErrEmptyHost = errors.New("host cannot be empty")

	// ErrInvalidTimeout indicates a zero or negative server timeout.
	ErrInvalidTimeout = errors.New("server timeout must be positive")

	// ErrInvalidMaxUpload indicates the upload limit is zero or negative.
	ErrInvalidMaxUpload = errors.New("max upload size must be positive")
)

// ServerConfig holds HTTP server configuration.
// Pure configuration only - no runtime dependencies.
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	LogLevel        slog.Level
	MaxUploadBytes  int64
}

// LoadServerConfig loads server configuration from environment variables with
// sensible defaults.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            config.GetEnvInt("SERVER_PORT", defaultPort),
		Host:            config.GetEnvStr("SERVER_HOST", defaultHost),
		ReadTimeout:     config.GetEnvDuration("SERVER_READ_TIMEOUT", defaultReadTimeout),
		WriteTimeout:    config.GetEnvDuration("SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
		ShutdownTimeout: config.GetEnvDuration("SERVER_SHUTDOWN_TIMEOUT", defaultShutdownGrace),
		LogLevel:        config.GetEnvLogLevel("LOG_LEVEL", defaultLogLevel),
		MaxUploadBytes:  config.GetEnvInt64("MAX_UPLOAD_BYTES", defaultMaxUploadBytes),
	}
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > maxPort {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, maxPort)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidMaxUpload, c.MaxUploadBytes)
	}

	return nil
}
