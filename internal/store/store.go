package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a run is started while not pending.
	ErrConflict = errors.New("store: run is not pending")
	// ErrInvalidTransition is returned when a status change would leave
	// a terminal state or otherwise violate the monotonic ordering.
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// DBPool abstracts pgxpool.Pool so the store can be tested with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides the PostgreSQL persistence layer: the profile table,
// the run ledger, and the run/profile edge table.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// schema is applied idempotently at startup. The unique constraint on
// (run_id, profile_id, method, found_from) is what makes edge linking
// safe to repeat.
const schema = `
CREATE TABLE IF NOT EXISTS profiles (
    id                BIGSERIAL PRIMARY KEY,
    username          TEXT NOT NULL UNIQUE,
    full_name         TEXT NOT NULL DEFAULT '',
    follower_count    BIGINT NOT NULL DEFAULT 0,
    following_count   BIGINT NOT NULL DEFAULT 0,
    media_count       BIGINT NOT NULL DEFAULT 0,
    verified          BOOLEAN NOT NULL DEFAULT FALSE,
    private           BOOLEAN NOT NULL DEFAULT FALSE,
    profile_url       TEXT NOT NULL DEFAULT '',
    discovery_vectors TEXT[] NOT NULL DEFAULT '{}',
    primary_category  TEXT NOT NULL DEFAULT '',
    discovery_count   INTEGER NOT NULL DEFAULT 1,
    last_seen         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_profiles_category ON profiles (primary_category);
CREATE INDEX IF NOT EXISTS idx_profiles_followers ON profiles (follower_count DESC);

CREATE TABLE IF NOT EXISTS runs (
    id            UUID PRIMARY KEY,
    type          TEXT NOT NULL,
    input         TEXT NOT NULL,
    config        JSONB NOT NULL DEFAULT '{}',
    status        TEXT NOT NULL DEFAULT 'pending',
    current_layer INTEGER NOT NULL DEFAULT 0,
    api_calls     INTEGER NOT NULL DEFAULT 0,
    stats         JSONB NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_runs_created ON runs (created_at DESC);

CREATE TABLE IF NOT EXISTS run_profiles (
    run_id     UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    profile_id BIGINT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
    layer      INTEGER NOT NULL,
    method     TEXT NOT NULL,
    found_from TEXT NOT NULL,
    post_url   TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT run_profiles_context_key UNIQUE (run_id, profile_id, method, found_from)
);

CREATE INDEX IF NOT EXISTS idx_run_profiles_run ON run_profiles (run_id);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.log.Debug("Schema ensured")
	return nil
}
