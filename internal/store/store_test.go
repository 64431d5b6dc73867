package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// newMockPool returns a pool that also verifies pings, which New relies on.
func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)
	return mockPool
}

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool := newMockPool(t)
	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

func TestNewStore(t *testing.T) {
	t.Run("unreachable ledger database", func(t *testing.T) {
		mockPool := newMockPool(t)
		pingErr := errors.New("connection refused")
		mockPool.ExpectPing().WillReturnError(pingErr)

		s, err := New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.Nil(t, s)
		assert.ErrorIs(t, err, pingErr)
		assert.Contains(t, err.Error(), "failed to ping database")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("reachable ledger database", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		require.NotNil(t, s)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	t.Run("commits without rollback errors", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(observedZapCore))

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(schemaSQL)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
		// Expect Commit AND the subsequent Rollback (which returns ErrTxClosed)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.EnsureSchema(context.Background()))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("rolls back when the DDL fails", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		ddlErr := errors.New("permission denied")
		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(schemaSQL)).WillReturnError(ddlErr)
		mockPool.ExpectRollback()

		err := s.EnsureSchema(context.Background())
		assert.ErrorIs(t, err, ddlErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestRecordRun(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	finished := time.Date(2026, 10, 17, 8, 0, 0, 0, time.FixedZone("GMT+8", 8*60*60))

	mockPool.ExpectExec(flexibleSQLMatcher(insertRunSQL)).
		WithArgs("sess-1", 2, KindRetry, "GS", OutcomeSuccess, "ok", int64(125000), finished.UTC()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordRun(context.Background(), RunRecord{
		SessionID:  "sess-1",
		Attempt:    2,
		Kind:       KindRetry,
		Plan:       "GS",
		Outcome:    OutcomeSuccess,
		Message:    "ok",
		Elapsed:    125 * time.Second,
		FinishedAt: finished,
	})
	require.NoError(t, err)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRecordRun_Error(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	mockPool.ExpectExec(flexibleSQLMatcher(insertRunSQL)).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err := s.RecordRun(context.Background(), RunRecord{SessionID: "s"})
	assert.ErrorContains(t, err, "failed to record run")
}

func TestRunsForSession(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	at := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"session_id", "attempt", "kind", "plan", "outcome", "message", "elapsed_ms", "finished_at"}).
		AddRow("sess-1", 1, KindSubmit, "GS", OutcomeRetry, "E1021", int64(90000), at).
		AddRow("sess-1", 2, KindRetry, "GS", OutcomeSuccess, "", int64(30000), at.Add(time.Minute))
	mockPool.ExpectQuery(flexibleSQLMatcher(selectRunsSQL)).WithArgs("sess-1").WillReturnRows(rows)

	runs, err := s.RunsForSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 90*time.Second, runs[0].Elapsed)
	assert.Equal(t, OutcomeSuccess, runs[1].Outcome)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestNoop(t *testing.T) {
	var l Ledger = Noop{}
	assert.NoError(t, l.RecordRun(context.Background(), RunRecord{}))
	runs, err := l.RunsForSession(context.Background(), "x")
	assert.NoError(t, err)
	assert.Empty(t, runs)
}
