package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ParsingMethod records how a receipt's fields were produced.
type ParsingMethod string

const (
	MethodAI            ParsingMethod = "ai"
	MethodRegexFallback ParsingMethod = "regex_fallback"
	MethodFiltered      ParsingMethod = "filtered"
)

// Valid reports whether m is one of the known parsing methods.
func (m ParsingMethod) Valid() bool {
	switch m {
	case MethodAI, MethodRegexFallback, MethodFiltered:
		return true
	}
	return false
}

// Cadence is a billing frequency.
type Cadence string

const (
	CadenceWeekly    Cadence = "weekly"
	CadenceMonthly   Cadence = "monthly"
	CadenceQuarterly Cadence = "quarterly"
	CadenceYearly    Cadence = "yearly"
)

// ParseCadence maps provider and regex vocabulary onto a Cadence. Unknown
// values return "".
func ParseCadence(s string) Cadence {
	switch s {
	case "weekly", "week":
		return CadenceWeekly
	case "monthly", "month", "mo":
		return CadenceMonthly
	case "quarterly", "quarter":
		return CadenceQuarterly
	case "yearly", "annual", "annually", "year", "yr":
		return CadenceYearly
	}
	return ""
}

// RawEmail is one message as yielded by a mailbox connector.
type RawEmail struct {
	MessageID  string    `json:"id"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	ReceivedAt time.Time `json:"receivedAt"`
	Body       string    `json:"body"`
}

// Receipt is a stored inbound email believed to represent a transaction.
// MessageID is the dedup key.
type Receipt struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id,omitempty"`
	MessageID    string    `json:"message_id"`
	Sender       string    `json:"sender"`
	Subject      string    `json:"subject"`
	Body         string    `json:"body"`
	ReceivedAt   time.Time `json:"received_at"`

	Parsed            bool                `json:"parsed"`
	ParsingMethod     ParsingMethod       `json:"parsing_method,omitempty"`
	ParsingConfidence float64             `json:"parsing_confidence"`
	Merchant          string              `json:"merchant,omitempty"`
	Amount            decimal.NullDecimal `json:"amount"`
	Currency          string              `json:"currency,omitempty"`
	Cadence           Cadence             `json:"cadence,omitempty"`

	CandidateID    string `json:"candidate_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Email returns the raw email view of the receipt used by the classifier.
func (r *Receipt) Email() RawEmail {
	return RawEmail{
		MessageID:  r.MessageID,
		From:       r.Sender,
		Subject:    r.Subject,
		ReceivedAt: r.ReceivedAt,
		Body:       r.Body,
	}
}

// HasExtraction reports whether both merchant and amount are populated.
func (r *Receipt) HasExtraction() bool {
	return r.Merchant != "" && r.Amount.Valid
}

// AlreadyExtracted reports whether a previous pass fully parsed this receipt.
// Such receipts are skipped so re-parsing is idempotent.
func (r *Receipt) AlreadyExtracted() bool {
	return r.Parsed && r.HasExtraction()
}

// Linked reports whether the receipt is attached to a candidate or subscription.
func (r *Receipt) Linked() bool {
	return r.CandidateID != "" || r.SubscriptionID != ""
}

// Result converts the stored extraction fields back into an ExtractionResult.
func (r *Receipt) Result() ExtractionResult {
	return ExtractionResult{
		ReceiptID:  r.ID,
		UserID:     r.UserID,
		Merchant:   r.Merchant,
		Amount:     r.Amount,
		Currency:   r.Currency,
		Cadence:    r.Cadence,
		Confidence: r.ParsingConfidence,
		Method:     r.ParsingMethod,
		Sender:     r.Sender,
		Subject:    r.Subject,
		MessageID:  r.MessageID,
		ReceivedAt: r.ReceivedAt,
	}
}

// ExtractionResult is the transient output of the extraction router.
// Confidence is always on the 0-1 scale.
type ExtractionResult struct {
	ReceiptID       string              `json:"receipt_id"`
	UserID          string              `json:"user_id"`
	Merchant        string              `json:"merchant,omitempty"`
	Amount          decimal.NullDecimal `json:"amount"`
	Currency        string              `json:"currency,omitempty"`
	Cadence         Cadence             `json:"cadence,omitempty"`
	Confidence      float64             `json:"confidence"`
	Method          ParsingMethod       `json:"method"`
	NextBillingDate *time.Time          `json:"next_billing_date,omitempty"`
	Reasoning       string              `json:"reasoning,omitempty"`
	Provider        string              `json:"provider,omitempty"`

	// Provenance of the originating email.
	MessageID  string    `json:"message_id,omitempty"`
	Sender     string    `json:"sender,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// Complete reports whether the result carries both a merchant and an amount.
func (e ExtractionResult) Complete() bool {
	return e.Merchant != "" && e.Amount.Valid
}

// FilteredResult builds the zero-confidence result used when a receipt
// cannot be extracted.
func FilteredResult(r *Receipt) ExtractionResult {
	return ExtractionResult{
		ReceiptID:  r.ID,
		UserID:     r.UserID,
		Method:     MethodFiltered,
		MessageID:  r.MessageID,
		Sender:     r.Sender,
		Subject:    r.Subject,
		ReceivedAt: r.ReceivedAt,
	}
}
