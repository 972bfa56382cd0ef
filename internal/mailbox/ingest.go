package mailbox

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/subscout/internal/model"
)

// DefaultLookback is how far back the first scan of a connection reaches.
const DefaultLookback = 90 * 24 * time.Hour

// Store is the persistence the ingester needs.
type Store interface {
	InsertReceipt(ctx context.Context, r *model.Receipt) (bool, error)
	GetCursor(ctx context.Context, connectionID string) (time.Time, error)
	SetCursor(ctx context.Context, connectionID string, at time.Time) error
}

// ScanSummary reports one connection scan.
type ScanSummary struct {
	ConnectionID string `json:"connection_id"`
	Fetched      int    `json:"fetched"`
	Inserted     int    `json:"inserted"`
	Duplicates   int    `json:"duplicates"`
	Failed       int    `json:"failed"`
}

// Ingester stores fetched emails as receipts, deduplicated by message id.
type Ingester struct {
	store    Store
	max      int
	lookback time.Duration
	now      func() time.Time
}

// NewIngester creates an Ingester fetching at most max messages per scan.
func NewIngester(st Store, max int) *Ingester {
	return &Ingester{
		store:    st,
		max:      max,
		lookback: DefaultLookback,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Scan fetches new mail for conn and advances its cursor to the newest
// stored message. Per-message insert failures are counted, not returned.
func (i *Ingester) Scan(ctx context.Context, conn model.Connection, c Connector) (ScanSummary, error) {
	summary := ScanSummary{ConnectionID: conn.ID}
	log := zap.L().With(
		zap.String("component", "mailbox"),
		zap.String("connection_id", conn.ID),
		zap.String("provider", c.Provider()),
	)

	since, err := i.store.GetCursor(ctx, conn.ID)
	if err != nil {
		return summary, eris.Wrap(err, "mailbox: read cursor")
	}
	if since.IsZero() {
		since = i.now().Add(-i.lookback)
	}

	emails, err := c.Fetch(ctx, since, i.max)
	if err != nil {
		return summary, eris.Wrapf(err, "mailbox: fetch %s", conn.ID)
	}
	summary.Fetched = len(emails)

	cursor := since
	for _, email := range emails {
		if email.MessageID == "" {
			summary.Failed++
			continue
		}
		r := &model.Receipt{
			UserID:       conn.UserID,
			ConnectionID: conn.ID,
			MessageID:    email.MessageID,
			Sender:       email.From,
			Subject:      email.Subject,
			Body:         email.Body,
			ReceivedAt:   email.ReceivedAt,
		}
		inserted, err := i.store.InsertReceipt(ctx, r)
		if err != nil {
			summary.Failed++
			log.Warn("mailbox: insert receipt failed",
				zap.String("message_id", email.MessageID),
				zap.Error(err),
			)
			continue
		}
		if inserted {
			summary.Inserted++
		} else {
			summary.Duplicates++
		}
		if email.ReceivedAt.After(cursor) {
			cursor = email.ReceivedAt
		}
	}

	if cursor.After(since) {
		if err := i.store.SetCursor(ctx, conn.ID, cursor); err != nil {
			return summary, eris.Wrap(err, "mailbox: advance cursor")
		}
	}

	log.Info("mailbox: scan complete",
		zap.Int("fetched", summary.Fetched),
		zap.Int("inserted", summary.Inserted),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}
