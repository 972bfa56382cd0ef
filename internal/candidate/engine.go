// Package candidate folds extraction results into subscriptions and pending
// subscription candidates.
package candidate

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/subscout/internal/model"
	"github.com/sells-group/subscout/internal/store"
)

// DefaultBatchSize bounds the results reconciled per invocation.
const DefaultBatchSize = 100

// Store is the persistence the engine needs.
type Store interface {
	FindActiveSubscription(ctx context.Context, userID, merchantKey string) (*model.Subscription, error)
	RecordPriceChange(ctx context.Context, ph *model.PriceHistory) error
	FindPendingCandidate(ctx context.Context, userID, merchantKey string) (*model.Candidate, error)
	CreateCandidate(ctx context.Context, c *model.Candidate) error
	UpdateCandidateProposal(ctx context.Context, c *model.Candidate) error
	LinkReceipt(ctx context.Context, receiptID, candidateID, subscriptionID string) error
}

// Notifier delivers user notifications. Implementations swallow their own
// failures.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification)
}

// Outcome names the state-machine branch a unit took.
type Outcome string

const (
	OutcomeSkipped            Outcome = "skipped"
	OutcomeLinkedSubscription Outcome = "linked_subscription"
	OutcomeLinkedCandidate    Outcome = "linked_candidate"
	OutcomeUpdatedCandidate   Outcome = "updated_candidate"
	OutcomeCreatedCandidate   Outcome = "created_candidate"
	OutcomeFailed             Outcome = "failed"
)

// UnitResult is the per-receipt outcome. Failures carry Success=false and an
// error message instead of aborting the batch.
type UnitResult struct {
	ReceiptID      string  `json:"receipt_id"`
	Success        bool    `json:"success"`
	Outcome        Outcome `json:"outcome"`
	CandidateID    string  `json:"candidate_id,omitempty"`
	SubscriptionID string  `json:"subscription_id,omitempty"`
	PriceChanged   bool    `json:"price_changed,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// Summary aggregates one Reconcile call.
type Summary struct {
	Created        int          `json:"created"`
	Updated        int          `json:"updated"`
	LinkedExisting int          `json:"linked_existing"`
	PriceChanges   int          `json:"price_changes"`
	Skipped        int          `json:"skipped"`
	Failed         int          `json:"failed"`
	Deferred       int          `json:"deferred"`
	Units          []UnitResult `json:"units"`
}

func (s *Summary) add(u UnitResult) {
	s.Units = append(s.Units, u)
	switch u.Outcome {
	case OutcomeCreatedCandidate:
		s.Created++
	case OutcomeUpdatedCandidate:
		s.Updated++
	case OutcomeLinkedSubscription, OutcomeLinkedCandidate:
		s.LinkedExisting++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
	if u.PriceChanged {
		s.PriceChanges++
	}
}

// Engine reconciles extraction results against subscriptions and pending
// candidates. Safe for concurrent use: writes are serialized per
// (user, merchant key).
type Engine struct {
	store     Store
	notifier  Notifier
	locks     *KeyedMutex
	batchSize int
	log       *zap.Logger
}

// NewEngine creates an Engine. batchSize <= 0 uses DefaultBatchSize.
func NewEngine(st Store, notifier Notifier, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Engine{
		store:     st,
		notifier:  notifier,
		locks:     NewKeyedMutex(),
		batchSize: batchSize,
		log:       zap.L().With(zap.String("component", "candidate")),
	}
}

// Reconcile folds up to one batch of results for userID. Results beyond the
// batch size are counted as Deferred and left for the next invocation.
func (e *Engine) Reconcile(ctx context.Context, userID string, results []model.ExtractionResult) (Summary, error) {
	var summary Summary
	if userID == "" {
		return summary, eris.New("candidate: user id is required")
	}

	if len(results) > e.batchSize {
		summary.Deferred = len(results) - e.batchSize
		results = results[:e.batchSize]
	}

	for i := range results {
		if err := ctx.Err(); err != nil {
			summary.Deferred += len(results) - i
			return summary, eris.Wrap(err, "candidate: reconcile cancelled")
		}
		summary.add(e.reconcileOne(ctx, userID, results[i]))
	}

	e.log.Info("candidate: reconcile complete",
		zap.String("user_id", userID),
		zap.Int("created", summary.Created),
		zap.Int("updated", summary.Updated),
		zap.Int("linked_existing", summary.LinkedExisting),
		zap.Int("price_changes", summary.PriceChanges),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int("deferred", summary.Deferred),
	)
	return summary, nil
}

func (e *Engine) reconcileOne(ctx context.Context, userID string, res model.ExtractionResult) (unit UnitResult) {
	unit = UnitResult{ReceiptID: res.ReceiptID}
	defer func() {
		if p := recover(); p != nil {
			unit = e.failed(res, eris.Errorf("panic: %v", p))
		}
	}()

	if res.UserID != "" && res.UserID != userID {
		return e.failed(res, eris.Errorf("candidate: receipt belongs to user %s", res.UserID))
	}
	if !res.Complete() {
		unit.Success = true
		unit.Outcome = OutcomeSkipped
		return unit
	}
	key := NormalizeMerchant(res.Merchant)
	if key == "" {
		unit.Success = true
		unit.Outcome = OutcomeSkipped
		return unit
	}

	unlock := e.locks.Lock(userID + "\x00" + key)
	defer unlock()

	sub, err := e.store.FindActiveSubscription(ctx, userID, key)
	switch {
	case err == nil:
		return e.linkSubscription(ctx, sub, res)
	case !errors.Is(err, store.ErrNotFound):
		return e.failed(res, err)
	}

	cand, err := e.store.FindPendingCandidate(ctx, userID, key)
	switch {
	case err == nil:
		return e.linkCandidate(ctx, cand, res)
	case !errors.Is(err, store.ErrNotFound):
		return e.failed(res, err)
	}

	return e.createCandidate(ctx, userID, key, res)
}

// linkSubscription attaches the receipt to an existing subscription and
// records a price change when the amount moved. A price change, its new cost
// and the receipt link are written together so a failed unit stays eligible.
func (e *Engine) linkSubscription(ctx context.Context, sub *model.Subscription, res model.ExtractionResult) UnitResult {
	unit := UnitResult{ReceiptID: res.ReceiptID, SubscriptionID: sub.ID, Outcome: OutcomeLinkedSubscription}

	newPrice := res.Amount.Decimal.Round(2)
	sameCurrency := sub.Currency == "" || res.Currency == "" || sub.Currency == res.Currency
	if !sameCurrency {
		e.log.Info("candidate: currency differs from subscription, price not compared",
			zap.String("subscription_id", sub.ID),
			zap.String("subscription_currency", sub.Currency),
			zap.String("receipt_currency", res.Currency),
		)
	}

	if !sameCurrency || newPrice.Equal(sub.Cost) {
		if err := e.store.LinkReceipt(ctx, res.ReceiptID, "", sub.ID); err != nil {
			return e.failed(res, err)
		}
		unit.Success = true
		return unit
	}

	pct := PercentChange(sub.Cost, newPrice)
	ph := &model.PriceHistory{
		SubscriptionID: sub.ID,
		ReceiptID:      res.ReceiptID,
		OldPrice:       sub.Cost,
		NewPrice:       newPrice,
		PercentChange:  pct,
	}
	if err := e.store.RecordPriceChange(ctx, ph); err != nil {
		return e.failed(res, err)
	}
	unit.PriceChanged = true

	if newPrice.GreaterThan(sub.Cost) {
		e.notify(ctx, priceIncreaseNotification(sub, newPrice, pct))
	}
	e.log.Info("candidate: price change recorded",
		zap.String("subscription_id", sub.ID),
		zap.String("old_price", sub.Cost.StringFixed(2)),
		zap.String("new_price", newPrice.StringFixed(2)),
		zap.Float64("percent_change", pct),
	)

	unit.Success = true
	return unit
}

// linkCandidate attaches the receipt to a pending candidate and refreshes
// the proposal only when confidence strictly improves. The store enforces the
// same rule, so a proposal another writer already raised is left alone.
func (e *Engine) linkCandidate(ctx context.Context, cand *model.Candidate, res model.ExtractionResult) UnitResult {
	unit := UnitResult{ReceiptID: res.ReceiptID, CandidateID: cand.ID, Outcome: OutcomeLinkedCandidate}

	if res.Confidence > cand.Confidence {
		next := *cand
		next.Amount = res.Amount.Decimal.Round(2)
		next.Currency = currencyOrDefault(res.Currency)
		if res.Cadence != "" {
			next.Cadence = res.Cadence
		}
		next.Confidence = res.Confidence
		next.Provenance = provenance(res)
		switch err := e.store.UpdateCandidateProposal(ctx, &next); {
		case err == nil:
			*cand = next
			unit.Outcome = OutcomeUpdatedCandidate
		case errors.Is(err, store.ErrConflict):
			e.log.Debug("candidate: proposal not improved, linking only",
				zap.String("candidate_id", cand.ID),
				zap.Float64("confidence", res.Confidence),
			)
		default:
			return e.failed(res, err)
		}
	}

	if err := e.store.LinkReceipt(ctx, res.ReceiptID, cand.ID, ""); err != nil {
		return e.failed(res, err)
	}

	unit.Success = true
	return unit
}

func (e *Engine) createCandidate(ctx context.Context, userID, key string, res model.ExtractionResult) UnitResult {
	cadence := res.Cadence
	if cadence == "" {
		cadence = model.CadenceMonthly
	}
	cand := &model.Candidate{
		UserID:      userID,
		Source:      model.CandidateSourceEmail,
		Name:        res.Merchant,
		MerchantKey: key,
		Amount:      res.Amount.Decimal.Round(2),
		Currency:    currencyOrDefault(res.Currency),
		Cadence:     cadence,
		Confidence:  res.Confidence,
		Status:      model.CandidatePending,
		Provenance:  provenance(res),
	}
	if err := e.store.CreateCandidate(ctx, cand); err != nil {
		return e.failed(res, err)
	}
	if err := e.store.LinkReceipt(ctx, res.ReceiptID, cand.ID, ""); err != nil {
		return e.failed(res, err)
	}

	e.notify(ctx, detectedNotification(cand))
	return UnitResult{
		ReceiptID:   res.ReceiptID,
		Success:     true,
		Outcome:     OutcomeCreatedCandidate,
		CandidateID: cand.ID,
	}
}

func (e *Engine) failed(res model.ExtractionResult, err error) UnitResult {
	e.log.Warn("candidate: reconcile unit failed",
		zap.String("receipt_id", res.ReceiptID),
		zap.String("merchant", res.Merchant),
		zap.Error(err),
	)
	return UnitResult{
		ReceiptID: res.ReceiptID,
		Success:   false,
		Outcome:   OutcomeFailed,
		Error:     err.Error(),
	}
}

func (e *Engine) notify(ctx context.Context, n model.Notification) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, n)
}

// PercentChange returns (new-old)/old*100 rounded to two places. A zero old
// price yields 0.
func PercentChange(oldPrice, newPrice decimal.Decimal) float64 {
	if oldPrice.IsZero() {
		return 0
	}
	pct := newPrice.Sub(oldPrice).Div(oldPrice).Mul(decimal.NewFromInt(100)).Round(2)
	return pct.InexactFloat64()
}

func currencyOrDefault(c string) string {
	if c == "" {
		return "USD"
	}
	return c
}

func provenance(res model.ExtractionResult) model.Provenance {
	return model.Provenance{
		ReceiptID:  res.ReceiptID,
		MessageID:  res.MessageID,
		Sender:     res.Sender,
		Subject:    res.Subject,
		ReceivedAt: res.ReceivedAt,
	}
}

func detectedNotification(c *model.Candidate) model.Notification {
	return model.Notification{
		UserID: c.UserID,
		Type:   model.NotifySubscriptionDetected,
		Title:  "New subscription detected",
		Message: fmt.Sprintf("We found a %s subscription for %s %s, billed %s.",
			c.Name, c.Amount.StringFixed(2), c.Currency, c.Cadence),
		Data: map[string]any{
			"candidateId": c.ID,
			"merchant":    c.Name,
			"amount":      c.Amount.StringFixed(2),
			"currency":    c.Currency,
			"cadence":     string(c.Cadence),
			"confidence":  c.Confidence,
		},
	}
}

func priceIncreaseNotification(sub *model.Subscription, newPrice decimal.Decimal, pct float64) model.Notification {
	return model.Notification{
		UserID: sub.UserID,
		Type:   model.NotifyPriceIncrease,
		Title:  fmt.Sprintf("%s price increase", sub.Name),
		Message: fmt.Sprintf("%s went from %s to %s %s (+%.2f%%).",
			sub.Name, sub.Cost.StringFixed(2), newPrice.StringFixed(2), sub.Currency, pct),
		Data: map[string]any{
			"subscriptionId": sub.ID,
			"oldPrice":       sub.Cost.StringFixed(2),
			"newPrice":       newPrice.StringFixed(2),
			"percentChange":  pct,
		},
	}
}
