package db

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ownmark/anchor/service/config"
)

//go:embed schema.sql
var schemaSQL string

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same statement
// helpers serve direct and transactional paths.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides database operations for the service.
//
// Multi-record writes (the confirmation path) go through runAtomic. The
// atomicity mode is a capability selected once at construction: Postgres is
// always transactional, so best-effort mode can only be chosen deliberately
// via configuration, and it is logged loudly both at startup and on every
// degraded write.
type Store struct {
	pool      *pgxpool.Pool
	logger    *slog.Logger
	atomicity string
}

// NewStore creates a new Store with the given database connection pool.
// Mode must be one of config.AtomicityTransactional or config.AtomicityBestEffort.
func NewStore(pool *pgxpool.Pool, mode string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch mode {
	case config.AtomicityTransactional:
		logger.Info("store atomicity selected", "mode", mode)
	case config.AtomicityBestEffort:
		logger.Warn("store atomicity selected: best-effort mode applies multi-record writes sequentially WITHOUT transactional guarantees",
			"mode", mode,
		)
	default:
		return nil, fmt.Errorf("unknown store atomicity mode %q", mode)
	}

	return &Store{
		pool:      pool,
		logger:    logger,
		atomicity: mode,
	}, nil
}

// Atomicity reports the selected atomicity mode.
func (s *Store) Atomicity() string {
	return s.atomicity
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// runAtomic executes fn against a transaction when the store is transactional,
// or directly against the pool in best-effort mode. Best-effort execution is
// logged at error level on every call because a crash mid-fn leaves a
// partially applied multi-record write.
func (s *Store) runAtomic(ctx context.Context, fn func(q querier) error) error {
	if s.atomicity == config.AtomicityBestEffort {
		s.logger.ErrorContext(ctx, "applying multi-record write without transactional guarantee",
			"atomicity", s.atomicity,
		)
		return fn(s.pool)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
