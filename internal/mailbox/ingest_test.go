package mailbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/subscout/internal/model"
	"github.com/sells-group/subscout/internal/store"
)

type mockConnector struct {
	mock.Mock
}

func (m *mockConnector) Provider() string { return "mock" }

func (m *mockConnector) Fetch(ctx context.Context, since time.Time, max int) ([]model.RawEmail, error) {
	args := m.Called(ctx, since, max)
	emails, _ := args.Get(0).([]model.RawEmail)
	return emails, args.Error(1)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "mail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var conn = model.Connection{ID: "conn-1", UserID: "u1", Provider: "mock"}

func emailsAt(base time.Time) []model.RawEmail {
	return []model.RawEmail{
		{MessageID: "m-1", From: "Netflix <info@netflix.com>", Subject: "Receipt", Body: "Total: $15.49", ReceivedAt: base},
		{MessageID: "m-2", From: "Spotify <no-reply@spotify.com>", Subject: "Receipt", Body: "Total: $10.99", ReceivedAt: base.Add(time.Hour)},
		{MessageID: "", From: "broken@example.com", ReceivedAt: base.Add(2 * time.Hour)},
	}
}

func TestIngester_ScanInsertsAndAdvancesCursor(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	base := now.Add(-48 * time.Hour)

	c := new(mockConnector)
	c.On("Fetch", mock.Anything, now.Add(-DefaultLookback), 50).Return(emailsAt(base), nil).Once()

	ing := NewIngester(st, 50)
	ing.now = func() time.Time { return now }

	summary, err := ing.Scan(ctx, conn, c)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Fetched)
	assert.Equal(t, 2, summary.Inserted)
	assert.Equal(t, 1, summary.Failed)

	cursor, err := st.GetCursor(ctx, conn.ID)
	require.NoError(t, err)
	assert.True(t, cursor.Equal(base.Add(time.Hour)))

	receipts, err := st.ListReceipts(ctx, store.ReceiptFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, "conn-1", receipts[0].ConnectionID)
	assert.False(t, receipts[0].Parsed)

	// Second scan starts from the cursor; re-delivered mail is deduplicated.
	c.On("Fetch", mock.Anything, mock.MatchedBy(func(since time.Time) bool {
		return since.Equal(base.Add(time.Hour))
	}), 50).Return(emailsAt(base)[:2], nil).Once()

	summary, err = ing.Scan(ctx, conn, c)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Inserted)
	assert.Equal(t, 2, summary.Duplicates)
	c.AssertExpectations(t)
}

func TestIngester_FetchError(t *testing.T) {
	st := newTestStore(t)
	c := new(mockConnector)
	c.On("Fetch", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("auth failed"))

	_, err := NewIngester(st, 10).Scan(context.Background(), conn, c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth failed")

	cursor, err := st.GetCursor(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.True(t, cursor.IsZero())
}
