package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const healthCheckTimeout = 5 * time.Second

// Sentinel errors for connection management.
var (
	// ErrNoDatabaseConnection is returned when a store is constructed without a connection.
	ErrNoDatabaseConnection = errors.New("database connection is required")
)

// Connection wraps *sql.DB with pool configuration applied. Stores share one
// Connection; its lifetime is managed by the caller (cmd/forgesight).
type Connection struct {
	db *sql.DB
}

// NewConnection opens a PostgreSQL connection pool and verifies connectivity.
func NewConnection(cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Connection{db: db}, nil
}

// NewConnectionFromDB wraps an existing *sql.DB. Tests use this with
// testcontainer connections.
func NewConnectionFromDB(db *sql.DB) *Connection {
	return &Connection{db: db}
}

// HealthCheck verifies the database is reachable.
func (c *Connection) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}

	return nil
}

// QueryContext runs a query that returns rows.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a query expected to return at most one row.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// ExecContext runs a statement without returning rows.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// BeginTx starts a transaction.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, opts)
}

// Close closes the underlying pool.
func (c *Connection) Close() error {
	return c.db.Close()
}
