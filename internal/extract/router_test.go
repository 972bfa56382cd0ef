package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/subscout/internal/cost"
	"github.com/sells-group/subscout/internal/model"
	"github.com/sells-group/subscout/internal/resilience"
	"github.com/sells-group/subscout/internal/store"
)

const acceptedJSON = `{"isSubscription": true, "merchant": "Netflix", "amount": 15.49, "currency": "USD",
"frequency": "monthly", "nextBillingDate": "2026-11-01", "confidence": 92, "reasoning": "monthly plan"}`

func fastConfig() Config {
	return Config{
		Retry: resilience.RetryConfig{
			MaxAttempts:    4,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     4 * time.Millisecond,
			Multiplier:     2,
		},
	}
}

func testReceipts(n int) []model.Receipt {
	out := make([]model.Receipt, n)
	for i := range out {
		out[i] = model.Receipt{
			ID:        fmt.Sprintf("r-%d", i),
			UserID:    "u-1",
			MessageID: fmt.Sprintf("m-%d", i),
			Sender:    "Netflix <info@netflix.com>",
			Subject:   fmt.Sprintf("Your receipt subject-%d", i),
			Body:      "Total: $15.49 per month",
		}
	}
	return out
}

func subjectIs(i int) any {
	return mock.MatchedBy(func(prompt string) bool {
		return strings.Contains(prompt, fmt.Sprintf("subject-%d\n", i))
	})
}

func completion(text string) *Completion {
	return &Completion{Text: text, Model: "m", Usage: cost.Usage{InputTokens: 100, OutputTokens: 20}}
}

func TestRouter_SplitsHalvesAcrossProviders(t *testing.T) {
	a := newMockProvider("anthropic")
	b := newMockProvider("openai")
	for i := range 2 {
		a.On("Complete", mock.Anything, subjectIs(i)).Return(completion(acceptedJSON), nil).Once()
	}
	for i := 2; i < 4; i++ {
		b.On("Complete", mock.Anything, subjectIs(i)).Return(completion(acceptedJSON), nil).Once()
	}

	r := NewRouter([]LaneConfig{{Provider: a}, {Provider: b}}, nil, fastConfig())
	results := r.Extract(context.Background(), testReceipts(4))

	require.Len(t, results, 4)
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("r-%d", i), res.ReceiptID)
		assert.Equal(t, model.MethodAI, res.Method)
		assert.Equal(t, "Netflix", res.Merchant)
		assert.InDelta(t, 0.92, res.Confidence, 0.0001)
		assert.Equal(t, model.CadenceMonthly, res.Cadence)
		require.NotNil(t, res.NextBillingDate)
	}
	assert.Equal(t, "anthropic", results[0].Provider)
	assert.Equal(t, "openai", results[3].Provider)
	a.AssertExpectations(t)
	b.AssertExpectations(t)
}

func TestRouter_OddCountGivesEveryReceiptOneResult(t *testing.T) {
	a := newMockProvider("anthropic")
	b := newMockProvider("openai")
	a.On("Complete", mock.Anything, mock.Anything).Return(completion(acceptedJSON), nil)
	b.On("Complete", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	r := NewRouter([]LaneConfig{{Provider: a}, {Provider: b}}, nil, fastConfig())
	results := r.Extract(context.Background(), testReceipts(7))

	require.Len(t, results, 7)
	seen := map[string]bool{}
	for _, res := range results {
		assert.False(t, seen[res.ReceiptID], "duplicate result for %s", res.ReceiptID)
		seen[res.ReceiptID] = true
		assert.Contains(t, []model.ParsingMethod{model.MethodAI, model.MethodRegexFallback, model.MethodFiltered}, res.Method)
	}
	assert.Len(t, seen, 7)
	a.AssertNumberOfCalls(t, "Complete", 4)
	b.AssertNumberOfCalls(t, "Complete", 3)
	assert.Equal(t, 4, Summarize(results).AI)
	assert.Equal(t, 3, Summarize(results).RegexFallback)
}

func TestRouter_RetriesRateLimitThenSucceeds(t *testing.T) {
	a := newMockProvider("anthropic")
	rateLimited := resilience.NewTransientError(errors.New("429"), 429)
	a.On("Complete", mock.Anything, mock.Anything).Return(nil, rateLimited).Times(3)
	a.On("Complete", mock.Anything, mock.Anything).Return(completion(acceptedJSON), nil).Once()

	r := NewRouter([]LaneConfig{{Provider: a}}, nil, fastConfig())
	results := r.Extract(context.Background(), testReceipts(1))

	require.Len(t, results, 1)
	assert.Equal(t, model.MethodAI, results[0].Method)
	a.AssertNumberOfCalls(t, "Complete", 4)
}

func TestRouter_RetriesExhaustedFallsBack(t *testing.T) {
	a := newMockProvider("anthropic")
	a.On("Complete", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("429"), 429))

	metrics := new(mockMetrics)
	metrics.On("ObserveProviderError", "anthropic", 429).Once()
	metrics.On("ObserveExtraction", "anthropic", model.MethodRegexFallback).Once()

	r := NewRouter([]LaneConfig{{Provider: a}}, nil, fastConfig(), WithMetrics(metrics))
	results := r.Extract(context.Background(), testReceipts(1))

	assert.Equal(t, model.MethodRegexFallback, results[0].Method)
	assert.Equal(t, "Netflix", results[0].Merchant)
	a.AssertNumberOfCalls(t, "Complete", 4)
	metrics.AssertExpectations(t)
}

func TestRouter_ParseFailureIsTerminal(t *testing.T) {
	a := newMockProvider("anthropic")
	a.On("Complete", mock.Anything, mock.Anything).Return(completion("sorry, no JSON today"), nil)

	r := NewRouter([]LaneConfig{{Provider: a}}, nil, fastConfig())
	results := r.Extract(context.Background(), testReceipts(1))

	assert.Equal(t, model.MethodRegexFallback, results[0].Method)
	a.AssertNumberOfCalls(t, "Complete", 1)
}

func TestRouter_PermanentErrorIsNotRetried(t *testing.T) {
	a := newMockProvider("anthropic")
	a.On("Complete", mock.Anything, mock.Anything).Return(nil, errors.New("400 bad request"))

	r := NewRouter([]LaneConfig{{Provider: a}}, nil, fastConfig())
	results := r.Extract(context.Background(), testReceipts(1))

	assert.Equal(t, model.MethodRegexFallback, results[0].Method)
	a.AssertNumberOfCalls(t, "Complete", 1)
}

func TestRouter_LowConfidenceAndNonSubscriptionFallBack(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"low confidence", `{"isSubscription": true, "merchant": "X", "amount": 1, "confidence": 39}`},
		{"not a subscription", `{"isSubscription": false, "merchant": "X", "amount": 1, "confidence": 99}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newMockProvider("anthropic")
			a.On("Complete", mock.Anything, mock.Anything).Return(completion(tt.json), nil)

			r := NewRouter([]LaneConfig{{Provider: a}}, nil, fastConfig())
			recs := testReceipts(1)
			recs[0].Body = "No amount in here"
			results := r.Extract(context.Background(), recs)

			assert.Equal(t, model.MethodFiltered, results[0].Method)
			assert.Equal(t, 0.0, results[0].Confidence)
		})
	}
}

func TestRouter_PanicBecomesFiltered(t *testing.T) {
	a := newMockProvider("anthropic")
	a.On("Complete", mock.Anything, subjectIs(0)).Run(func(mock.Arguments) { panic("provider exploded") })
	a.On("Complete", mock.Anything, subjectIs(1)).Return(completion(acceptedJSON), nil)

	r := NewRouter([]LaneConfig{{Provider: a}}, nil, fastConfig())
	results := r.Extract(context.Background(), testReceipts(2))

	require.Len(t, results, 2)
	assert.Equal(t, model.MethodFiltered, results[0].Method)
	assert.Equal(t, "r-0", results[0].ReceiptID)
	assert.Equal(t, model.MethodAI, results[1].Method)
}

func TestRouter_NoProvidersUsesFallback(t *testing.T) {
	r := NewRouter(nil, nil, fastConfig())
	results := r.Extract(context.Background(), testReceipts(3))

	require.Len(t, results, 3)
	for _, res := range results {
		assert.Equal(t, model.MethodRegexFallback, res.Method)
		assert.Empty(t, res.Provider)
	}
}

func TestRouter_SkipsAlreadyExtracted(t *testing.T) {
	a := newMockProvider("anthropic")
	writer := new(mockWriter)

	recs := testReceipts(1)
	recs[0].Parsed = true
	recs[0].ParsingMethod = model.MethodAI
	recs[0].ParsingConfidence = 0.9
	recs[0].Merchant = "Netflix"
	recs[0].Amount = decimal.NewNullDecimal(decimal.RequireFromString("15.49"))

	r := NewRouter([]LaneConfig{{Provider: a}}, nil, fastConfig(), WithWriter(writer))
	results := r.Extract(context.Background(), recs)

	require.Len(t, results, 1)
	assert.Equal(t, model.MethodAI, results[0].Method)
	assert.Equal(t, "Netflix", results[0].Merchant)
	assert.InDelta(t, 0.9, results[0].Confidence, 0.0001)
	a.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
	writer.AssertNotCalled(t, "UpdateReceiptParse", mock.Anything, mock.Anything)
}

func TestRouter_PersistsEveryResultAndSurvivesWriteErrors(t *testing.T) {
	a := newMockProvider("anthropic")
	a.On("Complete", mock.Anything, mock.Anything).Return(completion(acceptedJSON), nil)

	writer := new(mockWriter)
	writer.On("UpdateReceiptParse", mock.Anything, mock.MatchedBy(func(u store.ParseUpdate) bool {
		return u.ReceiptID == "r-0"
	})).Return(errors.New("db locked"))
	writer.On("UpdateReceiptParse", mock.Anything, mock.MatchedBy(func(u store.ParseUpdate) bool {
		return u.ReceiptID != "r-0" && u.Method == model.MethodAI && u.Merchant == "Netflix"
	})).Return(nil)

	r := NewRouter([]LaneConfig{{Provider: a}}, nil, fastConfig(), WithWriter(writer))
	results := r.Extract(context.Background(), testReceipts(3))

	assert.Len(t, results, 3)
	writer.AssertNumberOfCalls(t, "UpdateReceiptParse", 3)
}

func TestRouter_ReportsProgressEveryFive(t *testing.T) {
	a := newMockProvider("anthropic")
	a.On("Complete", mock.Anything, mock.Anything).Return(completion(acceptedJSON), nil)

	progress := new(mockProgress)
	progress.On("SaveProgress", mock.Anything, mock.Anything).Return(errors.New("progress table missing"))

	r := NewRouter([]LaneConfig{{Provider: a}}, nil, fastConfig(), WithProgress(progress))
	results := r.Extract(context.Background(), testReceipts(12))

	assert.Len(t, results, 12)
	// 5, 10 and the final 12.
	progress.AssertNumberOfCalls(t, "SaveProgress", 3)
	last := progress.Calls[len(progress.Calls)-1].Arguments.Get(1).(model.ParseProgress)
	assert.Equal(t, 12, last.Processed)
	assert.Equal(t, 12, last.Total)
	assert.Equal(t, "anthropic", last.Lane)
}

func TestRouter_OpenCircuitSkipsProvider(t *testing.T) {
	a := newMockProvider("anthropic")
	a.On("Complete", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("503"), 503))

	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 1
	r := NewRouter([]LaneConfig{{
		Provider: a,
		Breaker:  resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour},
	}}, nil, cfg)

	results := r.Extract(context.Background(), testReceipts(5))

	assert.Len(t, results, 5)
	a.AssertNumberOfCalls(t, "Complete", 2)
	for _, res := range results {
		assert.Equal(t, model.MethodRegexFallback, res.Method)
	}
}

func TestRouter_TracksCost(t *testing.T) {
	a := newMockProvider("anthropic")
	a.On("Complete", mock.Anything, mock.Anything).Return(&Completion{
		Text:  acceptedJSON,
		Model: "priced",
		Usage: cost.Usage{InputTokens: 1000000},
	}, nil)

	tracker := cost.NewTracker(cost.NewCalculator(cost.Rates{"priced": {Input: 2}}))
	r := NewRouter([]LaneConfig{{Provider: a}}, nil, fastConfig(), WithCostTracker(tracker))
	r.Extract(context.Background(), testReceipts(2))

	assert.InDelta(t, 4.0, tracker.Spend("anthropic"), 0.0001)
}

func TestSplit(t *testing.T) {
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 4}}, split([]int{0, 1, 2, 3, 4}, 2))
	assert.Equal(t, [][]int{{0}, {}}, split([]int{0}, 2))
	assert.Equal(t, [][]int{{0, 1}}, split([]int{0, 1}, 1))
	assert.Equal(t, [][]int{{0, 1}}, split([]int{0, 1}, 0))
}
