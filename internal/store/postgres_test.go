package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/subscout/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_InsertReceipt(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`(?s)INSERT INTO receipts .* ON CONFLICT \(user_id, message_id\) DO NOTHING`).
		WithArgs(pgxmock.AnyArg(), "u1", nil, "msg-1", "a@b.com", "Receipt", "body",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO receipts`).
		WithArgs(pgxmock.AnyArg(), "u1", nil, "msg-1", "a@b.com", "Receipt", "body",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	r := &model.Receipt{UserID: "u1", MessageID: "msg-1", Sender: "a@b.com", Subject: "Receipt", Body: "body", ReceivedAt: time.Now()}
	inserted, err := s.InsertReceipt(context.Background(), r)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := &model.Receipt{UserID: "u1", MessageID: "msg-1", Sender: "a@b.com", Subject: "Receipt", Body: "body", ReceivedAt: time.Now()}
	inserted, err = s.InsertReceipt(context.Background(), dup)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetReceipt_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`(?s)SELECT .* FROM receipts WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetReceipt(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LinkReceipt_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE receipts SET candidate_id = \$1`).
		WithArgs("cand-1", nil, pgxmock.AnyArg(), "r-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.LinkReceipt(context.Background(), "r-1", "cand-1", "")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountEligible(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM receipts WHERE parsed`).
		WithArgs(0.6).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(42))

	n, err := s.CountEligible(context.Background(), 0.6)
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindPendingCandidate_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM candidates WHERE user_id = \$1 AND merchant_key = \$2 AND status = 'pending'`).
		WithArgs("u1", "netflix").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.FindPendingCandidate(context.Background(), "u1", "netflix")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DismissCandidate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE candidates SET status = 'dismissed'`).
		WithArgs(pgxmock.AnyArg(), "cand-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.DismissCandidate(context.Background(), "cand-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AcceptCandidate_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .* FROM candidates WHERE id = \$1 FOR UPDATE`).
		WithArgs("cand-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.AcceptCandidate(context.Background(), "cand-1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordPriceChange(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO price_history`).
		WithArgs(pgxmock.AnyArg(), "sub-1", "r-1", pgxmock.AnyArg(), pgxmock.AnyArg(), 30.03, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE subscriptions SET cost`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "sub-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE receipts SET candidate_id = NULL, subscription_id`).
		WithArgs("sub-1", pgxmock.AnyArg(), "r-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.RecordPriceChange(context.Background(), &model.PriceHistory{
		SubscriptionID: "sub-1", ReceiptID: "r-1",
		OldPrice: decimal.RequireFromString("9.99"), NewPrice: decimal.RequireFromString("12.99"),
		PercentChange: 30.03,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordPriceChange_RollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO price_history`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.RecordPriceChange(context.Background(), &model.PriceHistory{
		SubscriptionID: "sub-1", ReceiptID: "r-1",
		OldPrice: decimal.RequireFromString("9.99"), NewPrice: decimal.RequireFromString("12.99"),
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetGovernance_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`(?s)SELECT safe_mode_enabled, reason, enabled_at.*FROM pipeline_governance WHERE id = 1`).
		WillReturnError(pgx.ErrNoRows)

	g, err := s.GetGovernance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), g.Version)
	assert.False(t, g.SafeModeEnabled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetGovernance(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	enabledAt := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM pipeline_governance WHERE id = 1`).
		WillReturnRows(pgxmock.NewRows([]string{"safe_mode_enabled", "reason", "enabled_at", "last_queue_size", "unchanged_streak", "version", "updated_at"}).
			AddRow(true, model.ReasonQueueLarge, &enabledAt, 150, 0, int64(7), enabledAt))

	g, err := s.GetGovernance(context.Background())
	require.NoError(t, err)
	assert.True(t, g.SafeModeEnabled)
	assert.Equal(t, model.ReasonQueueLarge, g.Reason)
	assert.Equal(t, 150, g.LastQueueSize)
	assert.Equal(t, int64(7), g.Version)
	require.NotNil(t, g.EnabledAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompareAndSwapGovernance(t *testing.T) {
	tests := []struct {
		name     string
		version  int64
		pattern  string
		affected int64
		wantErr  error
	}{
		{name: "first_insert", version: 0, pattern: `(?s)INSERT INTO pipeline_governance .* ON CONFLICT \(id\) DO NOTHING`, affected: 1},
		{name: "insert_lost_race", version: 0, pattern: `INSERT INTO pipeline_governance`, affected: 0, wantErr: ErrConflict},
		{name: "update", version: 3, pattern: `(?s)UPDATE pipeline_governance .* WHERE id = 1 AND version = \$7`, affected: 1},
		{name: "update_stale_version", version: 3, pattern: `UPDATE pipeline_governance`, affected: 0, wantErr: ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockPostgresStore(t)
			exp := mock.ExpectExec(tt.pattern)
			if tt.version == 0 {
				exp = exp.WithArgs(false, "", pgxmock.AnyArg(), 12, 1, pgxmock.AnyArg())
			} else {
				exp = exp.WithArgs(false, "", pgxmock.AnyArg(), 12, 1, pgxmock.AnyArg(), tt.version)
			}
			exp.WillReturnResult(pgxmock.NewResult("UPDATE", tt.affected))

			err := s.CompareAndSwapGovernance(context.Background(), tt.version,
				model.PipelineGovernance{LastQueueSize: 12, UnchangedStreak: 1})
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_SetCursor_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(connection_id\) DO UPDATE`).
		WithArgs("conn-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SetCursor(context.Background(), "conn-1", time.Now()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCursor_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT cursor_at FROM mailbox_cursors`).
		WithArgs("conn-1").
		WillReturnError(pgx.ErrNoRows)

	at, err := s.GetCursor(context.Background(), "conn-1")
	require.NoError(t, err)
	assert.True(t, at.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveProgress(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO parse_progress`).
		WithArgs("run-1", "openai", 5, 10, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveProgress(context.Background(), model.ParseProgress{RunID: "run-1", Lane: "openai", Processed: 5, Total: 10}))
	assert.NoError(t, mock.ExpectationsWereMet())
}
