package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Attempt kinds.
const (
	KindSubmit = "submit"
	KindRetry  = "retry"
)

// Outcomes recorded for a run.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFatal   = "fatal"
)

// RunRecord is one attempt against the portal.
type RunRecord struct {
	SessionID  string
	Attempt    int
	Kind       string
	Plan       string
	Outcome    string
	Message    string
	Elapsed    time.Duration
	FinishedAt time.Time
}

// Ledger records run attempts.
type Ledger interface {
	RecordRun(ctx context.Context, rec RunRecord) error
	RunsForSession(ctx context.Context, sessionID string) ([]RunRecord, error)
}

const schemaSQL = `
        CREATE TABLE IF NOT EXISTS quote_runs (
            id BIGSERIAL PRIMARY KEY,
            session_id TEXT NOT NULL,
            attempt INTEGER NOT NULL,
            kind TEXT NOT NULL,
            plan TEXT NOT NULL,
            outcome TEXT NOT NULL,
            message TEXT NOT NULL,
            elapsed_ms BIGINT NOT NULL,
            finished_at TIMESTAMPTZ NOT NULL
        );
        CREATE INDEX IF NOT EXISTS quote_runs_session_idx ON quote_runs (session_id);
    `

const insertRunSQL = `
        INSERT INTO quote_runs (session_id, attempt, kind, plan, outcome, message, elapsed_ms, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
    `

const selectRunsSQL = `
        SELECT session_id, attempt, kind, plan, outcome, message, elapsed_ms, finished_at
        FROM quote_runs
        WHERE session_id = $1
        ORDER BY attempt ASC, finished_at ASC;
    `

// Store provides a PostgreSQL implementation of the Ledger interface.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ Ledger = (*Store)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Open connects to url, migrates the ledger table and returns the store with
// a function that closes the pool.
func Open(ctx context.Context, url string, logger *zap.Logger) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// EnsureSchema creates the ledger table inside a transaction.
func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create quote_runs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordRun inserts one attempt.
func (s *Store) RecordRun(ctx context.Context, rec RunRecord) error {
	finished := rec.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	_, err := s.pool.Exec(ctx, insertRunSQL,
		rec.SessionID, rec.Attempt, rec.Kind, rec.Plan, rec.Outcome, rec.Message,
		rec.Elapsed.Milliseconds(), finished.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// RunsForSession lists the attempts of one session in order.
func (s *Store) RunsForSession(ctx context.Context, sessionID string) ([]RunRecord, error) {
	rows, err := s.pool.Query(ctx, selectRunsSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var elapsedMS int64
		if err := rows.Scan(&r.SessionID, &r.Attempt, &r.Kind, &r.Plan, &r.Outcome, &r.Message, &elapsedMS, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

// Noop is the Ledger used when no database is configured.
type Noop struct{}

var _ Ledger = Noop{}

// RecordRun implements Ledger.
func (Noop) RecordRun(context.Context, RunRecord) error { return nil }

// RunsForSession implements Ledger.
func (Noop) RunsForSession(context.Context, string) ([]RunRecord, error) { return nil, nil }
