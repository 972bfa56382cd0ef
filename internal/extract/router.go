package extract

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/subscout/internal/cost"
	"github.com/sells-group/subscout/internal/model"
	"github.com/sells-group/subscout/internal/resilience"
	"github.com/sells-group/subscout/internal/store"
)

// ResultWriter persists the parse patch for one receipt.
type ResultWriter interface {
	UpdateReceiptParse(ctx context.Context, u store.ParseUpdate) error
}

// ProgressReporter receives side-channel progress updates. Errors are logged
// and never affect extraction.
type ProgressReporter interface {
	SaveProgress(ctx context.Context, p model.ParseProgress) error
}

// LaneConfig configures one provider lane.
type LaneConfig struct {
	Provider          Provider
	RequestsPerMinute int
	Concurrency       int
	Breaker           resilience.CircuitBreakerConfig
}

// Config configures a Router.
type Config struct {
	MinAIConfidence float64
	BodyChars       int
	ProgressEvery   int
	Retry           resilience.RetryConfig
}

// Metrics receives per-result counters. Implemented by monitoring.Metrics.
type Metrics interface {
	ObserveExtraction(provider string, method model.ParsingMethod)
	ObserveProviderError(provider string, status int)
}

type lane struct {
	provider    Provider
	limiter     *rate.Limiter
	breaker     *resilience.CircuitBreaker
	concurrency int
}

// Router splits receipts across provider lanes and guarantees exactly one
// ExtractionResult per input receipt.
type Router struct {
	lanes    []*lane
	fallback *Fallback
	writer   ResultWriter
	progress ProgressReporter
	tracker  *cost.Tracker
	metrics  Metrics
	cfg      Config
	now      func() time.Time
	log      *zap.Logger
}

// Option configures optional Router collaborators.
type Option func(*Router)

// WithWriter persists every result through w.
func WithWriter(w ResultWriter) Option {
	return func(r *Router) { r.writer = w }
}

// WithProgress reports lane progress to p.
func WithProgress(p ProgressReporter) Option {
	return func(r *Router) { r.progress = p }
}

// WithCostTracker records provider token usage in t.
func WithCostTracker(t *cost.Tracker) Option {
	return func(r *Router) { r.tracker = t }
}

// WithMetrics reports extraction counters to m.
func WithMetrics(m Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithClock overrides the time source used for prompts.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// NewRouter creates a Router. Lanes with a nil provider are ignored; with no
// lanes every receipt goes straight to the fallback.
func NewRouter(lanes []LaneConfig, fallback *Fallback, cfg Config, opts ...Option) *Router {
	if cfg.MinAIConfidence <= 0 {
		cfg.MinAIConfidence = 40
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 5
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.ProviderRetryConfig()
	}
	if fallback == nil {
		fallback = NewFallback(nil)
	}

	r := &Router{
		fallback: fallback,
		cfg:      cfg,
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "extract")),
	}
	for _, lc := range lanes {
		if lc.Provider == nil {
			continue
		}
		limit := rate.Inf
		if lc.RequestsPerMinute > 0 {
			limit = rate.Limit(float64(lc.RequestsPerMinute) / 60.0)
		}
		conc := lc.Concurrency
		if conc <= 0 {
			conc = 1
		}
		name := lc.Provider.Name()
		bcfg := lc.Breaker
		bcfg.OnStateChange = func(from, to resilience.CircuitState) {
			r.log.Warn("extract: circuit state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
		r.lanes = append(r.lanes, &lane{
			provider:    lc.Provider,
			limiter:     rate.NewLimiter(limit, 1),
			breaker:     resilience.NewCircuitBreaker(bcfg),
			concurrency: conc,
		})
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Extract processes receipts and returns one result per receipt, in input
// order. Receipts that were already fully extracted are returned as stored
// and not written again.
func (r *Router) Extract(ctx context.Context, receipts []model.Receipt) []model.ExtractionResult {
	results := make([]model.ExtractionResult, len(receipts))
	runID := uuid.NewString()

	var pending []int
	for i := range receipts {
		if receipts[i].AlreadyExtracted() {
			results[i] = receipts[i].Result()
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return results
	}

	batches := split(pending, len(r.lanes))

	var g errgroup.Group
	for li, idxs := range batches {
		if len(idxs) == 0 {
			continue
		}
		var ln *lane
		if li < len(r.lanes) {
			ln = r.lanes[li]
		}
		g.Go(func() error {
			r.runLane(ctx, runID, ln, receipts, idxs, results)
			return nil
		})
	}
	_ = g.Wait()

	if r.tracker != nil {
		r.tracker.Log(r.log)
	}
	return results
}

// split divides idxs into n contiguous halves. n == 0 yields one batch that
// runs on the fallback only.
func split(idxs []int, n int) [][]int {
	if n <= 1 {
		return [][]int{idxs}
	}
	out := make([][]int, n)
	size := (len(idxs) + n - 1) / n
	for i := range n {
		lo := min(i*size, len(idxs))
		hi := min(lo+size, len(idxs))
		out[i] = idxs[lo:hi]
	}
	return out
}

func (r *Router) runLane(ctx context.Context, runID string, ln *lane, receipts []model.Receipt, idxs []int, results []model.ExtractionResult) {
	laneName := "fallback"
	conc := 1
	if ln != nil {
		laneName = ln.provider.Name()
		conc = ln.concurrency
	}
	log := r.log.With(zap.String("provider", laneName), zap.String("run_id", runID))
	log.Info("extract: lane started", zap.Int("receipts", len(idxs)))

	var processed atomic.Int64
	total := len(idxs)

	g := new(errgroup.Group)
	g.SetLimit(conc)
	for _, idx := range idxs {
		g.Go(func() error {
			rec := &receipts[idx]
			res := r.safeProcess(ctx, ln, rec)
			results[idx] = res
			r.persist(ctx, res)

			n := processed.Add(1)
			if n%int64(r.cfg.ProgressEvery) == 0 && int(n) < total {
				r.report(ctx, runID, laneName, int(n), total)
			}
			return nil
		})
	}
	_ = g.Wait()
	r.report(ctx, runID, laneName, total, total)

	log.Info("extract: lane complete", zap.Int("receipts", total))
}

// safeProcess converts a panic in one receipt into a filtered result.
func (r *Router) safeProcess(ctx context.Context, ln *lane, rec *model.Receipt) (res model.ExtractionResult) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("extract: panic processing receipt",
				zap.String("receipt_id", rec.ID),
				zap.String("panic", fmt.Sprint(p)),
			)
			res = model.FilteredResult(rec)
		}
	}()
	return r.process(ctx, ln, rec)
}

func (r *Router) process(ctx context.Context, ln *lane, rec *model.Receipt) model.ExtractionResult {
	if ln == nil {
		return r.fallbackResult(rec, "")
	}
	name := ln.provider.Name()
	log := r.log.With(zap.String("provider", name), zap.String("receipt_id", rec.ID))

	prompt := BuildPrompt(rec, r.now(), r.cfg.BodyChars)

	retry := r.cfg.Retry
	retry.OnRetry = resilience.RetryLogger(name, rec.ID)

	comp, err := resilience.ExecuteVal(ctx, ln.breaker, func(ctx context.Context) (*Completion, error) {
		return resilience.DoVal(ctx, retry, func(ctx context.Context) (*Completion, error) {
			if err := ln.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return ln.provider.Complete(ctx, prompt)
		})
	})
	if err != nil {
		if r.metrics != nil {
			r.metrics.ObserveProviderError(name, resilience.StatusCode(err))
		}
		log.Warn("extract: provider call failed, using fallback",
			zap.Int("status", resilience.StatusCode(err)),
			zap.Error(err),
		)
		return r.fallbackResult(rec, name)
	}

	if r.tracker != nil {
		r.tracker.Record(name, comp.Model, comp.Usage)
	}

	resp, err := ParseResponse(comp.Text)
	if err != nil {
		log.Warn("extract: invalid provider response, using fallback", zap.Error(err))
		return r.fallbackResult(rec, name)
	}

	if !resp.Accepted(r.cfg.MinAIConfidence) {
		log.Debug("extract: provider answer below threshold",
			zap.Bool("is_subscription", resp.IsSubscription),
			zap.Float64("confidence", resp.Confidence),
		)
		return r.fallbackResult(rec, name)
	}

	res := model.FilteredResult(rec)
	res.Method = model.MethodAI
	res.Provider = name
	res.Merchant = resp.Merchant
	res.Amount = resp.Amount
	res.Currency = resp.Currency
	if res.Currency == "" && resp.Amount.Valid {
		res.Currency = "USD"
	}
	res.Cadence = resp.Cadence
	res.NextBillingDate = resp.NextBillingDate
	res.Reasoning = resp.Reasoning
	res.Confidence = resp.Confidence / 100
	r.observe(name, res.Method)
	return res
}

func (r *Router) fallbackResult(rec *model.Receipt, provider string) model.ExtractionResult {
	res := r.fallback.Extract(rec)
	res.Provider = provider
	if provider == "" {
		provider = "fallback"
	}
	r.observe(provider, res.Method)
	return res
}

func (r *Router) observe(provider string, method model.ParsingMethod) {
	if r.metrics != nil {
		r.metrics.ObserveExtraction(provider, method)
	}
}

func (r *Router) persist(ctx context.Context, res model.ExtractionResult) {
	if r.writer == nil {
		return
	}
	if err := r.writer.UpdateReceiptParse(ctx, store.ParseUpdateFrom(res)); err != nil {
		r.log.Error("extract: persist result failed",
			zap.String("receipt_id", res.ReceiptID),
			zap.String("method", string(res.Method)),
			zap.Error(err),
		)
	}
}

func (r *Router) report(ctx context.Context, runID, laneName string, processed, total int) {
	if r.progress == nil {
		return
	}
	err := r.progress.SaveProgress(ctx, model.ParseProgress{
		RunID:     runID,
		Lane:      laneName,
		Processed: processed,
		Total:     total,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		r.log.Warn("extract: progress report failed",
			zap.String("lane", laneName),
			zap.Error(err),
		)
	}
}

// Summary counts results by method.
type Summary struct {
	Total         int `json:"total"`
	AI            int `json:"ai"`
	RegexFallback int `json:"regex_fallback"`
	Filtered      int `json:"filtered"`
}

// Summarize counts results by parsing method.
func Summarize(results []model.ExtractionResult) Summary {
	s := Summary{Total: len(results)}
	for _, res := range results {
		switch res.Method {
		case model.MethodAI:
			s.AI++
		case model.MethodRegexFallback:
			s.RegexFallback++
		default:
			s.Filtered++
		}
	}
	return s
}
