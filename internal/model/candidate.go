package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CandidateStatus is the lifecycle state of a detected subscription.
type CandidateStatus string

const (
	CandidatePending   CandidateStatus = "pending"
	CandidateAccepted  CandidateStatus = "accepted"
	CandidateDismissed CandidateStatus = "dismissed"
)

// CandidateSourceEmail marks candidates proposed from inbound email.
const CandidateSourceEmail = "email"

// Provenance holds the originating email metadata for a candidate.
type Provenance struct {
	ReceiptID  string    `json:"receipt_id"`
	MessageID  string    `json:"message_id"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	ReceivedAt time.Time `json:"received_at"`
}

// Candidate is a proposed recurring charge awaiting user action. At most one
// pending candidate exists per (UserID, MerchantKey).
type Candidate struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Source      string          `json:"source"`
	Name        string          `json:"name"`
	MerchantKey string          `json:"merchant_key"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Cadence     Cadence         `json:"cadence"`
	Confidence  float64         `json:"confidence"`
	Status      CandidateStatus `json:"status"`
	Provenance  Provenance      `json:"provenance"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Subscription is a confirmed recurring charge.
type Subscription struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Name        string          `json:"name"`
	MerchantKey string          `json:"merchant_key"`
	Cost        decimal.Decimal `json:"cost"`
	Currency    string          `json:"currency"`
	Cadence     Cadence         `json:"cadence"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// PriceHistory is an immutable record of a detected price change.
type PriceHistory struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	ReceiptID      string          `json:"receipt_id,omitempty"`
	OldPrice       decimal.Decimal `json:"old_price"`
	NewPrice       decimal.Decimal `json:"new_price"`
	PercentChange  float64         `json:"percent_change"`
	DetectedAt     time.Time       `json:"detected_at"`
}

// NotificationType classifies user notifications emitted by the pipeline.
type NotificationType string

const (
	NotifySubscriptionDetected NotificationType = "subscription_detected"
	NotifyPriceIncrease        NotificationType = "price_increase"
)

// Notification is a fire-and-forget message for a user.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Data      map[string]any   `json:"data,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}
