// Package postgres provides PostgreSQL infrastructure components.
// Implements the shared session storage backend used when workstations on
// a ward need their context to follow the clinician between machines.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/balhaddad-sys/medward/internal/session"
)

// Schema creates the session_state table. Run at deploy time or pass to
// EnsureSchema for development setups.
const Schema = `
CREATE TABLE IF NOT EXISTS session_state (
	scope      TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (scope, key)
)`

// Config holds configuration for the Postgres session backend.
type Config struct {
	// DSN is the connection string
	DSN string
	// Scope namespaces keys, typically the user ID
	Scope string
	// QueryTimeout bounds individual statements
	QueryTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DSN:          "postgres://localhost:5432/medward",
		Scope:        "default",
		QueryTimeout: 3 * time.Second,
	}
}

// Storage is a session.Storage backed by a pgx connection pool. Keys are
// namespaced by scope so one database serves many clinicians.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
	tracer trace.Tracer
}

// NewStorage creates a session backend over an existing pool.
func NewStorage(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Storage {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultConfig().QueryTimeout
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultConfig().Scope
	}
	return &Storage{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("postgres-session"),
	}
}

// Connect opens a pool and wraps it in a Storage.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Storage, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewStorage(pool, cfg, logger), nil
}

// EnsureSchema creates the session_state table if missing.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Get implements session.Storage.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "session_get",
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM session_state WHERE scope = $1 AND key = $2`,
		s.config.Scope, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read session key %s: %w", key, err)
	}
	return value, nil
}

// Set implements session.Storage.
func (s *Storage) Set(ctx context.Context, key string, value []byte) error {
	ctx, span := s.tracer.Start(ctx, "session_set",
		trace.WithAttributes(
			attribute.String("key", key),
			attribute.Int("value_size", len(value)),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_state (scope, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (scope, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		s.config.Scope, key, value)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to write session key %s: %w", key, err)
	}
	return nil
}

// Delete implements session.Storage.
func (s *Storage) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`DELETE FROM session_state WHERE scope = $1 AND key = $2`,
		s.config.Scope, key)
	if err != nil {
		return fmt.Errorf("failed to delete session key %s: %w", key, err)
	}
	return nil
}

// Close releases the pool.
func (s *Storage) Close() {
	s.pool.Close()
}
