package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/subscout/internal/db"
	"github.com/sells-group/subscout/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	pgReceiptColumns = `id, user_id, connection_id, message_id, sender, subject, body, received_at,
		parsed, parsing_method, parsing_confidence, merchant, amount, currency, cadence,
		candidate_id, subscription_id, created_at, updated_at`

	pgCandidateColumns = `id, user_id, source, name, merchant_key, amount, currency, cadence,
		confidence, status, provenance, created_at, updated_at`

	pgSubscriptionColumns = `id, user_id, name, merchant_key, cost, currency, cadence, active, created_at, updated_at`

	pgEligibleClause = `parsed AND parsing_method IN ('ai', 'regex_fallback')
		AND parsing_confidence >= $1 AND merchant IS NOT NULL AND amount IS NOT NULL
		AND candidate_id IS NULL AND subscription_id IS NULL`
)

// preparedStatements lists queries to prepare on each new connection for
// the hot paths of a parse or detection cycle.
var preparedStatements = map[string]string{
	"update_receipt_parse":     `UPDATE receipts SET parsed = true, parsing_method = $1, parsing_confidence = $2, merchant = $3, amount = $4, currency = $5, cadence = $6, updated_at = $7 WHERE id = $8`,
	"link_receipt":             `UPDATE receipts SET candidate_id = $1, subscription_id = $2, updated_at = $3 WHERE id = $4`,
	"count_eligible":           `SELECT COUNT(*) FROM receipts WHERE ` + pgEligibleClause,
	"find_pending_candidate":   `SELECT ` + pgCandidateColumns + ` FROM candidates WHERE user_id = $1 AND merchant_key = $2 AND status = 'pending' ORDER BY created_at ASC LIMIT 1`,
	"find_active_subscription": `SELECT ` + pgSubscriptionColumns + ` FROM subscriptions WHERE user_id = $1 AND merchant_key = $2 AND active ORDER BY created_at ASC LIMIT 1`,
	"get_governance":           `SELECT safe_mode_enabled, reason, enabled_at, last_queue_size, unchanged_streak, version, updated_at FROM pipeline_governance WHERE id = 1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				// Tables may not exist before the first migrate.
				var pgErr interface{ SQLState() string }
				if errors.As(err, &pgErr) && pgErr.SQLState() == "42P01" {
					continue
				}
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS receipts (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id            TEXT NOT NULL,
	connection_id      TEXT,
	message_id         TEXT NOT NULL,
	sender             TEXT NOT NULL DEFAULT '',
	subject            TEXT NOT NULL DEFAULT '',
	body               TEXT NOT NULL DEFAULT '',
	received_at        TIMESTAMPTZ NOT NULL,
	parsed             BOOLEAN NOT NULL DEFAULT false,
	parsing_method     TEXT,
	parsing_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	merchant           TEXT,
	amount             NUMERIC(14, 2),
	currency           TEXT,
	cadence            TEXT,
	candidate_id       TEXT,
	subscription_id    TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, message_id)
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id      TEXT NOT NULL,
	name         TEXT NOT NULL,
	merchant_key TEXT NOT NULL,
	cost         NUMERIC(14, 2) NOT NULL,
	currency     TEXT NOT NULL DEFAULT 'USD',
	cadence      TEXT NOT NULL DEFAULT 'monthly',
	active       BOOLEAN NOT NULL DEFAULT true,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS price_history (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	subscription_id TEXT NOT NULL REFERENCES subscriptions(id),
	receipt_id      TEXT,
	old_price       NUMERIC(14, 2) NOT NULL,
	new_price       NUMERIC(14, 2) NOT NULL,
	percent_change  DOUBLE PRECISION NOT NULL,
	detected_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS candidates (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id      TEXT NOT NULL,
	source       TEXT NOT NULL DEFAULT 'email',
	name         TEXT NOT NULL,
	merchant_key TEXT NOT NULL,
	amount       NUMERIC(14, 2) NOT NULL,
	currency     TEXT NOT NULL DEFAULT 'USD',
	cadence      TEXT NOT NULL DEFAULT 'monthly',
	confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'pending',
	provenance   JSONB NOT NULL DEFAULT '{}',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id    TEXT NOT NULL,
	type       TEXT NOT NULL,
	title      TEXT NOT NULL,
	message    TEXT NOT NULL,
	data       JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pipeline_governance (
	id                INTEGER PRIMARY KEY CHECK (id = 1),
	safe_mode_enabled BOOLEAN NOT NULL DEFAULT false,
	reason            TEXT NOT NULL DEFAULT '',
	enabled_at        TIMESTAMPTZ,
	last_queue_size   INTEGER NOT NULL DEFAULT 0,
	unchanged_streak  INTEGER NOT NULL DEFAULT 0,
	version           BIGINT NOT NULL DEFAULT 0,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS parse_progress (
	run_id     TEXT NOT NULL,
	lane       TEXT NOT NULL,
	processed  INTEGER NOT NULL DEFAULT 0,
	total      INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, lane)
);

CREATE TABLE IF NOT EXISTS mailbox_cursors (
	connection_id TEXT PRIMARY KEY,
	cursor_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_receipts_unparsed ON receipts(received_at) WHERE NOT parsed;
CREATE INDEX IF NOT EXISTS idx_receipts_eligible ON receipts(received_at)
	WHERE parsed AND candidate_id IS NULL AND subscription_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_subscriptions_user_key ON subscriptions(user_id, merchant_key) WHERE active;
CREATE INDEX IF NOT EXISTS idx_candidates_user_key_status ON candidates(user_id, merchant_key, status);
CREATE INDEX IF NOT EXISTS idx_price_history_subscription ON price_history(subscription_id);
CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Receipts ---

func (s *PostgresStore) InsertReceipt(ctx context.Context, r *model.Receipt) (bool, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO receipts (id, user_id, connection_id, message_id, sender, subject, body, received_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (user_id, message_id) DO NOTHING`,
		r.ID, r.UserID, nullString(r.ConnectionID), r.MessageID, r.Sender, r.Subject, r.Body,
		r.ReceivedAt.UTC(), now, now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert receipt %s", r.MessageID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetReceipt(ctx context.Context, id string) (*model.Receipt, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgReceiptColumns+` FROM receipts WHERE id = $1`, id)
	return pgScanReceipt(row)
}

func (s *PostgresStore) ListReceipts(ctx context.Context, filter ReceiptFilter) ([]model.Receipt, error) {
	query := `SELECT ` + pgReceiptColumns + ` FROM receipts WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Eligible {
		// pgEligibleClause binds $1.
		query += ` AND ` + pgEligibleClause
		args = append(args, filter.MinConfidence)
		argIdx++
	}
	if filter.UserID != "" {
		query += fmt.Sprintf(` AND user_id = $%d`, argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}
	if filter.Unparsed {
		query += ` AND NOT parsed`
	}
	query += ` ORDER BY received_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list receipts")
	}
	defer rows.Close()

	var out []model.Receipt
	for rows.Next() {
		r, err := pgScanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list receipts iterate")
}

func (s *PostgresStore) UpdateReceiptParse(ctx context.Context, u ParseUpdate) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE receipts SET parsed = true, parsing_method = $1, parsing_confidence = $2, merchant = $3, amount = $4, currency = $5, cadence = $6, updated_at = $7 WHERE id = $8`,
		string(u.Method), u.Confidence, nullString(u.Merchant), u.Amount,
		nullString(u.Currency), nullString(string(u.Cadence)), time.Now().UTC(), u.ReceiptID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update receipt parse %s", u.ReceiptID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) LinkReceipt(ctx context.Context, receiptID, candidateID, subscriptionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE receipts SET candidate_id = $1, subscription_id = $2, updated_at = $3 WHERE id = $4`,
		nullString(candidateID), nullString(subscriptionID), time.Now().UTC(), receiptID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: link receipt %s", receiptID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountEligible(ctx context.Context, minConfidence float64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM receipts WHERE `+pgEligibleClause, minConfidence).Scan(&n)
	return n, eris.Wrap(err, "postgres: count eligible")
}

// --- Subscriptions ---

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	return pgInsertSubscription(ctx, s.pool, sub)
}

func pgInsertSubscription(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, sub *model.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sub.CreatedAt, sub.UpdatedAt = now, now

	var id string
	err := q.QueryRow(ctx,
		`INSERT INTO subscriptions (`+pgSubscriptionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		sub.ID, sub.UserID, sub.Name, sub.MerchantKey, sub.Cost, sub.Currency,
		string(sub.Cadence), sub.Active, now, now,
	).Scan(&id)
	return eris.Wrap(err, "postgres: insert subscription")
}

func (s *PostgresStore) FindActiveSubscription(ctx context.Context, userID, merchantKey string) (*model.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgSubscriptionColumns+` FROM subscriptions WHERE user_id = $1 AND merchant_key = $2 AND active ORDER BY created_at ASC LIMIT 1`,
		userID, merchantKey,
	)
	return pgScanSubscription(row)
}

func (s *PostgresStore) UpdateSubscriptionCost(ctx context.Context, id string, cost decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET cost = $1, updated_at = $2 WHERE id = $3`,
		cost, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update subscription cost %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context, userID string) ([]model.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgSubscriptionColumns+` FROM subscriptions WHERE user_id = $1 ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list subscriptions")
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		sub, err := pgScanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list subscriptions iterate")
}

// --- Price history ---

func (s *PostgresStore) InsertPriceHistory(ctx context.Context, ph *model.PriceHistory) error {
	return pgInsertPriceHistory(ctx, s.pool, ph)
}

// RecordPriceChange writes the history row, moves the subscription to the
// new price and links the receipt in one transaction.
func (s *PostgresStore) RecordPriceChange(ctx context.Context, ph *model.PriceHistory) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := pgInsertPriceHistory(ctx, tx, ph); err != nil {
			return err
		}

		now := time.Now().UTC()
		tag, err := tx.Exec(ctx,
			`UPDATE subscriptions SET cost = $1, updated_at = $2 WHERE id = $3`,
			ph.NewPrice, now, ph.SubscriptionID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update subscription cost %s", ph.SubscriptionID)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		tag, err = tx.Exec(ctx,
			`UPDATE receipts SET candidate_id = NULL, subscription_id = $1, updated_at = $2 WHERE id = $3`,
			ph.SubscriptionID, now, ph.ReceiptID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: link receipt %s", ph.ReceiptID)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func pgInsertPriceHistory(ctx context.Context, q interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}, ph *model.PriceHistory) error {
	if ph.ID == "" {
		ph.ID = uuid.New().String()
	}
	if ph.DetectedAt.IsZero() {
		ph.DetectedAt = time.Now().UTC()
	}
	_, err := q.Exec(ctx,
		`INSERT INTO price_history (id, subscription_id, receipt_id, old_price, new_price, percent_change, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ph.ID, ph.SubscriptionID, nullString(ph.ReceiptID), ph.OldPrice, ph.NewPrice, ph.PercentChange, ph.DetectedAt,
	)
	return eris.Wrap(err, "postgres: insert price history")
}

func (s *PostgresStore) ListPriceHistory(ctx context.Context, subscriptionID string) ([]model.PriceHistory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, subscription_id, receipt_id, old_price, new_price, percent_change, detected_at
		 FROM price_history WHERE subscription_id = $1 ORDER BY detected_at ASC`,
		subscriptionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list price history")
	}
	defer rows.Close()

	var out []model.PriceHistory
	for rows.Next() {
		var ph model.PriceHistory
		var receiptID *string
		if err := rows.Scan(&ph.ID, &ph.SubscriptionID, &receiptID, &ph.OldPrice, &ph.NewPrice,
			&ph.PercentChange, &ph.DetectedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan price history")
		}
		ph.ReceiptID = deref(receiptID)
		out = append(out, ph)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list price history iterate")
}

// --- Candidates ---

func (s *PostgresStore) CreateCandidate(ctx context.Context, c *model.Candidate) error {
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
		return eris.Wrap(err, "postgres: marshal provenance")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO candidates (`+pgCandidateColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.UserID, c.Source, c.Name, c.MerchantKey, c.Amount, c.Currency,
		string(c.Cadence), c.Confidence, string(c.Status), prov, now, now,
	)
	return eris.Wrap(err, "postgres: insert candidate")
}

func (s *PostgresStore) GetCandidate(ctx context.Context, id string) (*model.Candidate, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgCandidateColumns+` FROM candidates WHERE id = $1`, id)
	return pgScanCandidate(row)
}

func (s *PostgresStore) FindPendingCandidate(ctx context.Context, userID, merchantKey string) (*model.Candidate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgCandidateColumns+` FROM candidates WHERE user_id = $1 AND merchant_key = $2 AND status = 'pending' ORDER BY created_at ASC LIMIT 1`,
		userID, merchantKey,
	)
	return pgScanCandidate(row)
}

func (s *PostgresStore) UpdateCandidateProposal(ctx context.Context, c *model.Candidate) error {
	prov, err := json.Marshal(c.Provenance)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal provenance")
	}
	c.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE candidates SET amount = $1, currency = $2, cadence = $3, confidence = $4, provenance = $5, updated_at = $6
		 WHERE id = $7 AND status = 'pending' AND confidence < $4`,
		c.Amount, c.Currency, string(c.Cadence), c.Confidence, prov, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update candidate %s", c.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "postgres: candidate %s not pending or confidence not improved", c.ID)
	}
	return nil
}

func (s *PostgresStore) ListCandidates(ctx context.Context, filter CandidateFilter) ([]model.Candidate, error) {
	query := `SELECT ` + pgCandidateColumns + ` FROM candidates WHERE true`
	args := []any{}
	argIdx := 1

	if filter.UserID != "" {
		query += fmt.Sprintf(` AND user_id = $%d`, argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list candidates")
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		c, err := pgScanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list candidates iterate")
}

func (s *PostgresStore) AcceptCandidate(ctx context.Context, id string) (*model.Subscription, error) {
	var sub *model.Subscription
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		c, err := pgScanCandidate(tx.QueryRow(ctx,
			`SELECT `+pgCandidateColumns+` FROM candidates WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if c.Status != model.CandidatePending {
			return eris.Wrapf(ErrConflict, "postgres: candidate %s is %s", id, c.Status)
		}

		sub = subscriptionFromCandidate(c)
		if err := pgInsertSubscription(ctx, tx, sub); err != nil {
			return err
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE candidates SET status = 'accepted', updated_at = $1 WHERE id = $2`, now, id,
		); err != nil {
			return eris.Wrapf(err, "postgres: accept candidate %s", id)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE receipts SET subscription_id = $1, candidate_id = NULL, updated_at = $2 WHERE candidate_id = $3`,
			sub.ID, now, id,
		); err != nil {
			return eris.Wrapf(err, "postgres: relink receipts for candidate %s", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *PostgresStore) DismissCandidate(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE candidates SET status = 'dismissed', updated_at = $1 WHERE id = $2 AND status = 'pending'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: dismiss candidate %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Notifications ---

func (s *PostgresStore) InsertNotification(ctx context.Context, n *model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(n.Data)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal notification data")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, type, title, message, data, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Message, data, n.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert notification")
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, title, message, data, created_at FROM notifications
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list notifications")
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		var typ string
		var data []byte
		if err := rows.Scan(&n.ID, &n.UserID, &typ, &n.Title, &n.Message, &data, &n.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan notification")
		}
		n.Type = model.NotificationType(typ)
		if len(data) > 0 && string(data) != "null" {
			if err := json.Unmarshal(data, &n.Data); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal notification data")
			}
		}
		out = append(out, n)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list notifications iterate")
}

// --- Governance ---

func (s *PostgresStore) GetGovernance(ctx context.Context) (*model.PipelineGovernance, error) {
	var g model.PipelineGovernance
	err := s.pool.QueryRow(ctx,
		`SELECT safe_mode_enabled, reason, enabled_at, last_queue_size, unchanged_streak, version, updated_at FROM pipeline_governance WHERE id = 1`,
	).Scan(&g.SafeModeEnabled, &g.Reason, &g.EnabledAt, &g.LastQueueSize, &g.UnchangedStreak, &g.Version, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.PipelineGovernance{}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get governance")
	}
	return &g, nil
}

func (s *PostgresStore) CompareAndSwapGovernance(ctx context.Context, expectedVersion int64, next model.PipelineGovernance) error {
	now := time.Now().UTC()

	var rows int64
	if expectedVersion == 0 {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO pipeline_governance (id, safe_mode_enabled, reason, enabled_at, last_queue_size, unchanged_streak, version, updated_at)
			 VALUES (1, $1, $2, $3, $4, $5, 1, $6)
			 ON CONFLICT (id) DO NOTHING`,
			next.SafeModeEnabled, next.Reason, next.EnabledAt, next.LastQueueSize, next.UnchangedStreak, now,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: insert governance")
		}
		rows = tag.RowsAffected()
	} else {
		tag, err := s.pool.Exec(ctx,
			`UPDATE pipeline_governance SET safe_mode_enabled = $1, reason = $2, enabled_at = $3,
			 last_queue_size = $4, unchanged_streak = $5, version = version + 1, updated_at = $6
			 WHERE id = 1 AND version = $7`,
			next.SafeModeEnabled, next.Reason, next.EnabledAt, next.LastQueueSize, next.UnchangedStreak, now, expectedVersion,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: update governance")
		}
		rows = tag.RowsAffected()
	}
	if rows == 0 {
		return ErrConflict
	}
	return nil
}

// --- Progress ---

func (s *PostgresStore) SaveProgress(ctx context.Context, p model.ParseProgress) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO parse_progress (run_id, lane, processed, total, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (run_id, lane) DO UPDATE SET processed = EXCLUDED.processed, total = EXCLUDED.total, updated_at = EXCLUDED.updated_at`,
		p.RunID, p.Lane, p.Processed, p.Total, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: save progress")
}

func (s *PostgresStore) ListProgress(ctx context.Context, runID string) ([]model.ParseProgress, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, lane, processed, total, updated_at FROM parse_progress WHERE run_id = $1 ORDER BY lane`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list progress")
	}
	defer rows.Close()

	var out []model.ParseProgress
	for rows.Next() {
		var p model.ParseProgress
		if err := rows.Scan(&p.RunID, &p.Lane, &p.Processed, &p.Total, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan progress")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list progress iterate")
}

// --- Mailbox cursors ---

func (s *PostgresStore) GetCursor(ctx context.Context, connectionID string) (time.Time, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT cursor_at FROM mailbox_cursors WHERE connection_id = $1`, connectionID,
	).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	return at, eris.Wrapf(err, "postgres: get cursor %s", connectionID)
}

func (s *PostgresStore) SetCursor(ctx context.Context, connectionID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO mailbox_cursors (connection_id, cursor_at) VALUES ($1, $2)
		 ON CONFLICT (connection_id) DO UPDATE SET cursor_at = EXCLUDED.cursor_at`,
		connectionID, at.UTC(),
	)
	return eris.Wrapf(err, "postgres: set cursor %s", connectionID)
}

// helpers

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func pgScanReceipt(row pgx.Row) (*model.Receipt, error) {
	var r model.Receipt
	var connID, method, merchant, currency, cadence, candID, subID *string

	err := row.Scan(&r.ID, &r.UserID, &connID, &r.MessageID, &r.Sender, &r.Subject, &r.Body, &r.ReceivedAt,
		&r.Parsed, &method, &r.ParsingConfidence, &merchant, &r.Amount, &currency, &cadence,
		&candID, &subID, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan receipt")
	}

	r.ConnectionID = deref(connID)
	r.ParsingMethod = model.ParsingMethod(deref(method))
	r.Merchant = deref(merchant)
	r.Currency = deref(currency)
	r.Cadence = model.Cadence(deref(cadence))
	r.CandidateID = deref(candID)
	r.SubscriptionID = deref(subID)
	return &r, nil
}

func pgScanCandidate(row pgx.Row) (*model.Candidate, error) {
	var c model.Candidate
	var cadence, status string
	var prov []byte

	err := row.Scan(&c.ID, &c.UserID, &c.Source, &c.Name, &c.MerchantKey, &c.Amount, &c.Currency,
		&cadence, &c.Confidence, &status, &prov, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan candidate")
	}
	c.Cadence = model.Cadence(cadence)
	c.Status = model.CandidateStatus(status)
	if len(prov) > 0 {
		if err := json.Unmarshal(prov, &c.Provenance); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal provenance")
		}
	}
	return &c, nil
}

func pgScanSubscription(row pgx.Row) (*model.Subscription, error) {
	var sub model.Subscription
	var cadence string
	err := row.Scan(&sub.ID, &sub.UserID, &sub.Name, &sub.MerchantKey, &sub.Cost, &sub.Currency,
		&cadence, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan subscription")
	}
	sub.Cadence = model.Cadence(cadence)
	return &sub, nil
}
