package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/subscout/internal/model"
)

var (
	// ErrNotFound is returned when a point lookup matches no row.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when a compare-and-set loses to a concurrent writer.
	ErrConflict = eris.New("store: version conflict")
)

// ReceiptFilter specifies criteria for listing receipts.
type ReceiptFilter struct {
	UserID string `json:"user_id,omitempty"`

	// Unparsed selects receipts that have not been through the pre-filter.
	Unparsed bool `json:"unparsed,omitempty"`

	// Eligible selects parsed, unlinked receipts extracted by ai or
	// regex_fallback with confidence >= MinConfidence.
	Eligible      bool    `json:"eligible,omitempty"`
	MinConfidence float64 `json:"min_confidence,omitempty"`

	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// CandidateFilter specifies criteria for listing candidates.
type CandidateFilter struct {
	UserID string                `json:"user_id,omitempty"`
	Status model.CandidateStatus `json:"status,omitempty"`
	Limit  int                   `json:"limit,omitempty"`
}

// ParseUpdate is the atomic patch written after a receipt is classified or
// extracted. It always sets parsed=true.
type ParseUpdate struct {
	ReceiptID  string
	Method     model.ParsingMethod
	Confidence float64
	Merchant   string
	Amount     decimal.NullDecimal
	Currency   string
	Cadence    model.Cadence
}

// ParseUpdateFrom builds the patch for an extraction result.
func ParseUpdateFrom(res model.ExtractionResult) ParseUpdate {
	return ParseUpdate{
		ReceiptID:  res.ReceiptID,
		Method:     res.Method,
		Confidence: res.Confidence,
		Merchant:   res.Merchant,
		Amount:     res.Amount,
		Currency:   res.Currency,
		Cadence:    res.Cadence,
	}
}

// Store defines the persistence interface for the detection pipeline.
type Store interface {
	// Receipts
	InsertReceipt(ctx context.Context, r *model.Receipt) (bool, error)
	GetReceipt(ctx context.Context, id string) (*model.Receipt, error)
	ListReceipts(ctx context.Context, filter ReceiptFilter) ([]model.Receipt, error)
	UpdateReceiptParse(ctx context.Context, u ParseUpdate) error
	LinkReceipt(ctx context.Context, receiptID, candidateID, subscriptionID string) error
	CountEligible(ctx context.Context, minConfidence float64) (int, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	FindActiveSubscription(ctx context.Context, userID, merchantKey string) (*model.Subscription, error)
	UpdateSubscriptionCost(ctx context.Context, id string, cost decimal.Decimal) error
	ListSubscriptions(ctx context.Context, userID string) ([]model.Subscription, error)

	// Price history
	InsertPriceHistory(ctx context.Context, ph *model.PriceHistory) error
	RecordPriceChange(ctx context.Context, ph *model.PriceHistory) error
	ListPriceHistory(ctx context.Context, subscriptionID string) ([]model.PriceHistory, error)

	// Candidates
	CreateCandidate(ctx context.Context, c *model.Candidate) error
	GetCandidate(ctx context.Context, id string) (*model.Candidate, error)
	FindPendingCandidate(ctx context.Context, userID, merchantKey string) (*model.Candidate, error)
	UpdateCandidateProposal(ctx context.Context, c *model.Candidate) error
	ListCandidates(ctx context.Context, filter CandidateFilter) ([]model.Candidate, error)
	AcceptCandidate(ctx context.Context, id string) (*model.Subscription, error)
	DismissCandidate(ctx context.Context, id string) error

	// Notifications
	InsertNotification(ctx context.Context, n *model.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]model.Notification, error)

	// Governance
	GetGovernance(ctx context.Context) (*model.PipelineGovernance, error)
	CompareAndSwapGovernance(ctx context.Context, expectedVersion int64, next model.PipelineGovernance) error

	// Progress
	SaveProgress(ctx context.Context, p model.ParseProgress) error
	ListProgress(ctx context.Context, runID string) ([]model.ParseProgress, error)

	// Mailbox cursors
	GetCursor(ctx context.Context, connectionID string) (time.Time, error)
	SetCursor(ctx context.Context, connectionID string, at time.Time) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
