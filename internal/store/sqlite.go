package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sells-group/subscout/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer; pragmas are per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS receipts (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	connection_id      TEXT,
	message_id         TEXT NOT NULL,
	sender             TEXT NOT NULL DEFAULT '',
	subject            TEXT NOT NULL DEFAULT '',
	body               TEXT NOT NULL DEFAULT '',
	received_at        DATETIME NOT NULL,
	parsed             INTEGER NOT NULL DEFAULT 0,
	parsing_method     TEXT,
	parsing_confidence REAL NOT NULL DEFAULT 0,
	merchant           TEXT,
	amount             TEXT,
	currency           TEXT,
	cadence            TEXT,
	candidate_id       TEXT,
	subscription_id    TEXT,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (user_id, message_id)
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	name         TEXT NOT NULL,
	merchant_key TEXT NOT NULL,
	cost         TEXT NOT NULL,
	currency     TEXT NOT NULL DEFAULT 'USD',
	cadence      TEXT NOT NULL DEFAULT 'monthly',
	active       INTEGER NOT NULL DEFAULT 1,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS price_history (
	id              TEXT PRIMARY KEY,
	subscription_id TEXT NOT NULL REFERENCES subscriptions(id),
	receipt_id      TEXT,
	old_price       TEXT NOT NULL,
	new_price       TEXT NOT NULL,
	percent_change  REAL NOT NULL,
	detected_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS candidates (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	source       TEXT NOT NULL DEFAULT 'email',
	name         TEXT NOT NULL,
	merchant_key TEXT NOT NULL,
	amount       TEXT NOT NULL,
	currency     TEXT NOT NULL DEFAULT 'USD',
	cadence      TEXT NOT NULL DEFAULT 'monthly',
	confidence   REAL NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'pending',
	provenance   TEXT NOT NULL DEFAULT '{}',
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	type       TEXT NOT NULL,
	title      TEXT NOT NULL,
	message    TEXT NOT NULL,
	data       TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS pipeline_governance (
	id                INTEGER PRIMARY KEY CHECK (id = 1),
	safe_mode_enabled INTEGER NOT NULL DEFAULT 0,
	reason            TEXT NOT NULL DEFAULT '',
	enabled_at        DATETIME,
	last_queue_size   INTEGER NOT NULL DEFAULT 0,
	unchanged_streak  INTEGER NOT NULL DEFAULT 0,
	version           INTEGER NOT NULL DEFAULT 0,
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS parse_progress (
	run_id     TEXT NOT NULL,
	lane       TEXT NOT NULL,
	processed  INTEGER NOT NULL DEFAULT 0,
	total      INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (run_id, lane)
);

CREATE TABLE IF NOT EXISTS mailbox_cursors (
	connection_id TEXT PRIMARY KEY,
	cursor_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_receipts_parsed ON receipts(parsed);
CREATE INDEX IF NOT EXISTS idx_receipts_user ON receipts(user_id);
CREATE INDEX IF NOT EXISTS idx_subscriptions_user_key ON subscriptions(user_id, merchant_key);
CREATE INDEX IF NOT EXISTS idx_candidates_user_key_status ON candidates(user_id, merchant_key, status);
CREATE INDEX IF NOT EXISTS idx_price_history_subscription ON price_history(subscription_id);
CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id);
`

const (
	receiptColumns = `id, user_id, connection_id, message_id, sender, subject, body, received_at,
		parsed, parsing_method, parsing_confidence, merchant, amount, currency, cadence,
		candidate_id, subscription_id, created_at, updated_at`

	// eligibleClause selects parsed, extracted, unlinked receipts. It takes
	// the minimum confidence as its only parameter.
	eligibleClause = `parsed = 1 AND parsing_method IN ('ai', 'regex_fallback')
		AND parsing_confidence >= ? AND merchant IS NOT NULL AND amount IS NOT NULL
		AND candidate_id IS NULL AND subscription_id IS NULL`

	candidateColumns = `id, user_id, source, name, merchant_key, amount, currency, cadence,
		confidence, status, provenance, created_at, updated_at`

	subscriptionColumns = `id, user_id, name, merchant_key, cost, currency, cadence, active, created_at, updated_at`
)

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Receipts ---

func (s *SQLiteStore) InsertReceipt(ctx context.Context, r *model.Receipt) (bool, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO receipts (id, user_id, connection_id, message_id, sender, subject, body, received_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, message_id) DO NOTHING`,
		r.ID, r.UserID, nullString(r.ConnectionID), r.MessageID, r.Sender, r.Subject, r.Body,
		r.ReceivedAt.UTC(), now, now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert receipt %s", r.MessageID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) GetReceipt(ctx context.Context, id string) (*model.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = ?`, id)
	return scanReceipt(row)
}

func (s *SQLiteStore) ListReceipts(ctx context.Context, filter ReceiptFilter) ([]model.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE 1=1`
	var args []any

	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Unparsed {
		query += ` AND parsed = 0`
	}
	if filter.Eligible {
		query += ` AND ` + eligibleClause
		args = append(args, filter.MinConfidence)
	}
	query += ` ORDER BY received_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list receipts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list receipts iterate")
}

func (s *SQLiteStore) UpdateReceiptParse(ctx context.Context, u ParseUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE receipts SET parsed = 1, parsing_method = ?, parsing_confidence = ?,
		 merchant = ?, amount = ?, currency = ?, cadence = ?, updated_at = ?
		 WHERE id = ?`,
		string(u.Method), u.Confidence, nullString(u.Merchant), u.Amount,
		nullString(u.Currency), nullString(string(u.Cadence)), time.Now().UTC(), u.ReceiptID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update receipt parse %s", u.ReceiptID)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) LinkReceipt(ctx context.Context, receiptID, candidateID, subscriptionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE receipts SET candidate_id = ?, subscription_id = ?, updated_at = ? WHERE id = ?`,
		nullString(candidateID), nullString(subscriptionID), time.Now().UTC(), receiptID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: link receipt %s", receiptID)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) CountEligible(ctx context.Context, minConfidence float64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM receipts WHERE `+eligibleClause, minConfidence,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count eligible")
}

// --- Subscriptions ---

func (s *SQLiteStore) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	return insertSubscription(ctx, s.db, sub)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSubscription(ctx context.Context, ex sqlExecer, sub *model.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sub.CreatedAt, sub.UpdatedAt = now, now

	_, err := ex.ExecContext(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.UserID, sub.Name, sub.MerchantKey, sub.Cost.String(), sub.Currency,
		string(sub.Cadence), sub.Active, now, now,
	)
	return eris.Wrap(err, "sqlite: insert subscription")
}

func (s *SQLiteStore) FindActiveSubscription(ctx context.Context, userID, merchantKey string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE user_id = ? AND merchant_key = ? AND active = 1
		 ORDER BY created_at ASC LIMIT 1`,
		userID, merchantKey,
	)
	return scanSubscription(row)
}

func (s *SQLiteStore) UpdateSubscriptionCost(ctx context.Context, id string, cost decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET cost = ?, updated_at = ? WHERE id = ?`,
		cost.String(), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update subscription cost %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) ListSubscriptions(ctx context.Context, userID string) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = ? ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list subscriptions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list subscriptions iterate")
}

// --- Price history ---

func (s *SQLiteStore) InsertPriceHistory(ctx context.Context, ph *model.PriceHistory) error {
	return insertPriceHistory(ctx, s.db, ph)
}

// RecordPriceChange writes the history row, moves the subscription to the
// new price and links the receipt in one transaction.
func (s *SQLiteStore) RecordPriceChange(ctx context.Context, ph *model.PriceHistory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertPriceHistory(ctx, tx, ph); err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET cost = ?, updated_at = ? WHERE id = ?`,
		ph.NewPrice.String(), now, ph.SubscriptionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update subscription cost %s", ph.SubscriptionID)
	}
	if err := checkRowsAffected(res); err != nil {
		return err
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE receipts SET candidate_id = NULL, subscription_id = ?, updated_at = ? WHERE id = ?`,
		ph.SubscriptionID, now, ph.ReceiptID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: link receipt %s", ph.ReceiptID)
	}
	if err := checkRowsAffected(res); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit price change")
}

func insertPriceHistory(ctx context.Context, ex sqlExecer, ph *model.PriceHistory) error {
	if ph.ID == "" {
		ph.ID = uuid.New().String()
	}
	if ph.DetectedAt.IsZero() {
		ph.DetectedAt = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO price_history (id, subscription_id, receipt_id, old_price, new_price, percent_change, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ph.ID, ph.SubscriptionID, nullString(ph.ReceiptID), ph.OldPrice.String(), ph.NewPrice.String(),
		ph.PercentChange, ph.DetectedAt,
	)
	return eris.Wrap(err, "sqlite: insert price history")
}

func (s *SQLiteStore) ListPriceHistory(ctx context.Context, subscriptionID string) ([]model.PriceHistory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscription_id, receipt_id, old_price, new_price, percent_change, detected_at
		 FROM price_history WHERE subscription_id = ? ORDER BY detected_at ASC`,
		subscriptionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list price history")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PriceHistory
	for rows.Next() {
		var ph model.PriceHistory
		var receiptID sql.NullString
		if err := rows.Scan(&ph.ID, &ph.SubscriptionID, &receiptID, &ph.OldPrice, &ph.NewPrice,
			&ph.PercentChange, &ph.DetectedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan price history")
		}
		ph.ReceiptID = receiptID.String
		out = append(out, ph)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list price history iterate")
}

// --- Candidates ---

func (s *SQLiteStore) CreateCandidate(ctx context.Context, c *model.Candidate) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	if c.Status == "" {
		c.Status = model.CandidatePending
	}

	prov, err := json.Marshal(c.Provenance)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal provenance")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO candidates (`+candidateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Source, c.Name, c.MerchantKey, c.Amount.String(), c.Currency,
		string(c.Cadence), c.Confidence, string(c.Status), string(prov), now, now,
	)
	return eris.Wrap(err, "sqlite: insert candidate")
}

func (s *SQLiteStore) GetCandidate(ctx context.Context, id string) (*model.Candidate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+candidateColumns+` FROM candidates WHERE id = ?`, id)
	return scanCandidate(row)
}

func (s *SQLiteStore) FindPendingCandidate(ctx context.Context, userID, merchantKey string) (*model.Candidate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+candidateColumns+` FROM candidates
		 WHERE user_id = ? AND merchant_key = ? AND status = 'pending'
		 ORDER BY created_at ASC LIMIT 1`,
		userID, merchantKey,
	)
	return scanCandidate(row)
}

// UpdateCandidateProposal replaces the proposal of a pending candidate when
// c.Confidence is strictly higher than the stored one. Otherwise it returns
// ErrConflict.
func (s *SQLiteStore) UpdateCandidateProposal(ctx context.Context, c *model.Candidate) error {
	prov, err := json.Marshal(c.Provenance)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal provenance")
	}
	c.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE candidates SET amount = ?, currency = ?, cadence = ?, confidence = ?, provenance = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending' AND confidence < ?`,
		c.Amount.String(), c.Currency, string(c.Cadence), c.Confidence, string(prov), c.UpdatedAt, c.ID, c.Confidence,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update candidate %s", c.ID)
	}
	if err := checkRowsAffected(res); err != nil {
		return eris.Wrapf(ErrConflict, "sqlite: candidate %s not pending or confidence not improved", c.ID)
	}
	return nil
}

func (s *SQLiteStore) ListCandidates(ctx context.Context, filter CandidateFilter) ([]model.Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidates WHERE 1=1`
	var args []any

	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list candidates")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list candidates iterate")
}

func (s *SQLiteStore) AcceptCandidate(ctx context.Context, id string) (*model.Subscription, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	c, err := scanCandidate(tx.QueryRowContext(ctx,
		`SELECT `+candidateColumns+` FROM candidates WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if c.Status != model.CandidatePending {
		return nil, eris.Wrapf(ErrConflict, "sqlite: candidate %s is %s", id, c.Status)
	}

	sub := subscriptionFromCandidate(c)
	if err := insertSubscription(ctx, tx, sub); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE candidates SET status = 'accepted', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: accept candidate %s", id)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE receipts SET subscription_id = ?, candidate_id = NULL, updated_at = ? WHERE candidate_id = ?`,
		sub.ID, time.Now().UTC(), id,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: relink receipts for candidate %s", id)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit accept")
	}
	return sub, nil
}

func (s *SQLiteStore) DismissCandidate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE candidates SET status = 'dismissed', updated_at = ? WHERE id = ? AND status = 'pending'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: dismiss candidate %s", id)
	}
	return checkRowsAffected(res)
}

// --- Notifications ---

func (s *SQLiteStore) InsertNotification(ctx context.Context, n *model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(n.Data)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal notification data")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, type, title, message, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Message, string(data), n.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert notification")
}

func (s *SQLiteStore) ListNotifications(ctx context.Context, userID string, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, type, title, message, data, created_at FROM notifications
		 WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list notifications")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		var data sql.NullString
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &data, &n.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan notification")
		}
		if data.Valid && data.String != "" && data.String != "null" {
			if err := json.Unmarshal([]byte(data.String), &n.Data); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal notification data")
			}
		}
		out = append(out, n)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list notifications iterate")
}

// --- Governance ---

func (s *SQLiteStore) GetGovernance(ctx context.Context) (*model.PipelineGovernance, error) {
	var g model.PipelineGovernance
	var enabledAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT safe_mode_enabled, reason, enabled_at, last_queue_size, unchanged_streak, version, updated_at
		 FROM pipeline_governance WHERE id = 1`,
	).Scan(&g.SafeModeEnabled, &g.Reason, &enabledAt, &g.LastQueueSize, &g.UnchangedStreak, &g.Version, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.PipelineGovernance{}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get governance")
	}
	if enabledAt.Valid {
		t := enabledAt.Time
		g.EnabledAt = &t
	}
	return &g, nil
}

func (s *SQLiteStore) CompareAndSwapGovernance(ctx context.Context, expectedVersion int64, next model.PipelineGovernance) error {
	now := time.Now().UTC()
	var enabledAt any
	if next.EnabledAt != nil {
		enabledAt = next.EnabledAt.UTC()
	}

	var res sql.Result
	var err error
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO pipeline_governance (id, safe_mode_enabled, reason, enabled_at, last_queue_size, unchanged_streak, version, updated_at)
			 VALUES (1, ?, ?, ?, ?, ?, 1, ?)
			 ON CONFLICT (id) DO NOTHING`,
			next.SafeModeEnabled, next.Reason, enabledAt, next.LastQueueSize, next.UnchangedStreak, now,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE pipeline_governance SET safe_mode_enabled = ?, reason = ?, enabled_at = ?,
			 last_queue_size = ?, unchanged_streak = ?, version = version + 1, updated_at = ?
			 WHERE id = 1 AND version = ?`,
			next.SafeModeEnabled, next.Reason, enabledAt, next.LastQueueSize, next.UnchangedStreak, now, expectedVersion,
		)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: swap governance")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// --- Progress ---

func (s *SQLiteStore) SaveProgress(ctx context.Context, p model.ParseProgress) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO parse_progress (run_id, lane, processed, total, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, lane) DO UPDATE SET processed = excluded.processed, total = excluded.total, updated_at = excluded.updated_at`,
		p.RunID, p.Lane, p.Processed, p.Total, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: save progress")
}

func (s *SQLiteStore) ListProgress(ctx context.Context, runID string) ([]model.ParseProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, lane, processed, total, updated_at FROM parse_progress WHERE run_id = ? ORDER BY lane`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list progress")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ParseProgress
	for rows.Next() {
		var p model.ParseProgress
		if err := rows.Scan(&p.RunID, &p.Lane, &p.Processed, &p.Total, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan progress")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list progress iterate")
}

// --- Mailbox cursors ---

func (s *SQLiteStore) GetCursor(ctx context.Context, connectionID string) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor_at FROM mailbox_cursors WHERE connection_id = ?`, connectionID,
	).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	return at, eris.Wrapf(err, "sqlite: get cursor %s", connectionID)
}

func (s *SQLiteStore) SetCursor(ctx context.Context, connectionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mailbox_cursors (connection_id, cursor_at) VALUES (?, ?)
		 ON CONFLICT (connection_id) DO UPDATE SET cursor_at = excluded.cursor_at`,
		connectionID, at.UTC(),
	)
	return eris.Wrapf(err, "sqlite: set cursor %s", connectionID)
}

// helpers

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type scannable interface {
	Scan(dest ...any) error
}

func scanReceipt(row scannable) (*model.Receipt, error) {
	var r model.Receipt
	var connID, method, merchant, currency, cadence, candID, subID sql.NullString

	err := row.Scan(&r.ID, &r.UserID, &connID, &r.MessageID, &r.Sender, &r.Subject, &r.Body, &r.ReceivedAt,
		&r.Parsed, &method, &r.ParsingConfidence, &merchant, &r.Amount, &currency, &cadence,
		&candID, &subID, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan receipt")
	}

	r.ConnectionID = connID.String
	r.ParsingMethod = model.ParsingMethod(method.String)
	r.Merchant = merchant.String
	r.Currency = currency.String
	r.Cadence = model.Cadence(cadence.String)
	r.CandidateID = candID.String
	r.SubscriptionID = subID.String
	return &r, nil
}

func scanCandidate(row scannable) (*model.Candidate, error) {
	var c model.Candidate
	var prov string

	err := row.Scan(&c.ID, &c.UserID, &c.Source, &c.Name, &c.MerchantKey, &c.Amount, &c.Currency,
		&c.Cadence, &c.Confidence, &c.Status, &prov, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan candidate")
	}
	if err := json.Unmarshal([]byte(prov), &c.Provenance); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal provenance")
	}
	return &c, nil
}

func scanSubscription(row scannable) (*model.Subscription, error) {
	var sub model.Subscription
	err := row.Scan(&sub.ID, &sub.UserID, &sub.Name, &sub.MerchantKey, &sub.Cost, &sub.Currency,
		&sub.Cadence, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan subscription")
	}
	return &sub, nil
}

func subscriptionFromCandidate(c *model.Candidate) *model.Subscription {
	return &model.Subscription{
		UserID:      c.UserID,
		Name:        c.Name,
		MerchantKey: c.MerchantKey,
		Cost:        c.Amount,
		Currency:    c.Currency,
		Cadence:     c.Cadence,
		Active:      true,
	}
}
