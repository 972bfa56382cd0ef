// Package pipeline wires the detection stages into the scheduled entry points
// scan, parse and create-detections. Every entry point consults the governor
// first and is a no-op when there is no eligible work.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/subscout/internal/candidate"
	"github.com/sells-group/subscout/internal/extract"
	"github.com/sells-group/subscout/internal/governor"
	"github.com/sells-group/subscout/internal/mailbox"
	"github.com/sells-group/subscout/internal/model"
	"github.com/sells-group/subscout/internal/signals"
	"github.com/sells-group/subscout/internal/store"
)

// Defaults for Config.
const (
	DefaultParseBatch    = 100
	DefaultDetectBatch   = 100
	DefaultMinConfidence = 0.6
)

// Config bounds the work done per invocation.
type Config struct {
	ParseBatch    int
	DetectBatch   int
	MinConfidence float64
}

// Mailbox pairs a linked connection with its connector.
type Mailbox struct {
	Conn      model.Connection
	Connector mailbox.Connector
}

// Metrics receives stage counters. Implemented by monitoring.Metrics.
type Metrics interface {
	ObservePrefilter(outcome string, n int)
	ObserveReconcile(outcome string, n int)
}

// Halt is embedded in every summary. A halted invocation did no work.
type Halt struct {
	Halted bool   `json:"halted"`
	Reason string `json:"reason,omitempty"`
}

// ScanSummary reports one scan over all mailboxes.
type ScanSummary struct {
	Halt
	Connections []mailbox.ScanSummary `json:"connections,omitempty"`
	Inserted    int                   `json:"inserted"`
	Failed      int                   `json:"failed"`
}

// ParseSummary reports one parse invocation.
type ParseSummary struct {
	Halt
	Prefilter  signals.PrefilterSummary `json:"prefilter"`
	Extraction extract.Summary          `json:"extraction"`
}

// DetectSummary reports one create-detections invocation.
type DetectSummary struct {
	Halt
	Eligible  int               `json:"eligible"`
	Users     int               `json:"users"`
	Candidate candidate.Summary `json:"candidate"`
	Failed    map[string]string `json:"failed_users,omitempty"`
}

// CycleSummary reports scan, parse and detect run back to back.
type CycleSummary struct {
	Halt
	Scan   ScanSummary   `json:"scan"`
	Parse  ParseSummary  `json:"parse"`
	Detect DetectSummary `json:"detect"`
	Took   time.Duration `json:"took"`
}

// Service runs the pipeline entry points.
type Service struct {
	store     store.Store
	gov       *governor.Governor
	prefilter *signals.Prefilter
	router    *extract.Router
	engine    *candidate.Engine
	ingester  *mailbox.Ingester
	mailboxes []Mailbox
	metrics   Metrics
	cfg       Config

	// cycleMu keeps overlapping RunCycle calls from interleaving.
	cycleMu sync.Mutex
	log     *zap.Logger
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithMailboxes sets the connections scanned by Scan.
func WithMailboxes(ing *mailbox.Ingester, boxes []Mailbox) Option {
	return func(s *Service) {
		s.ingester = ing
		s.mailboxes = boxes
	}
}

// WithMetrics reports stage counters to m.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a Service.
func NewService(
	st store.Store,
	gov *governor.Governor,
	prefilter *signals.Prefilter,
	router *extract.Router,
	engine *candidate.Engine,
	cfg Config,
	opts ...Option,
) *Service {
	if cfg.ParseBatch <= 0 {
		cfg.ParseBatch = DefaultParseBatch
	}
	if cfg.DetectBatch <= 0 {
		cfg.DetectBatch = DefaultDetectBatch
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	s := &Service{
		store:     st,
		gov:       gov,
		prefilter: prefilter,
		router:    router,
		engine:    engine,
		cfg:       cfg,
		log:       zap.L().With(zap.String("component", "pipeline")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// gate checks the governor. A failed read is returned as an error and the
// entry point does no work.
func (s *Service) gate(ctx context.Context, entry string) (Halt, error) {
	d, err := s.gov.Check(ctx)
	if err != nil {
		return Halt{}, eris.Wrapf(err, "pipeline: %s governance check", entry)
	}
	if d.Halted {
		s.log.Info("pipeline: halted by safe mode",
			zap.String("entry", entry),
			zap.String("reason", d.Reason),
		)
		return Halt{Halted: true, Reason: d.Reason}, nil
	}
	return Halt{}, nil
}

// Scan fetches new mail from every configured mailbox. One failing mailbox
// does not stop the others.
func (s *Service) Scan(ctx context.Context) (ScanSummary, error) {
	var summary ScanSummary
	halt, err := s.gate(ctx, "scan")
	if err != nil || halt.Halted {
		summary.Halt = halt
		return summary, err
	}
	if s.ingester == nil || len(s.mailboxes) == 0 {
		return summary, nil
	}

	for _, mb := range s.mailboxes {
		if err := ctx.Err(); err != nil {
			return summary, eris.Wrap(err, "pipeline: scan cancelled")
		}
		res, err := s.ingester.Scan(ctx, mb.Conn, mb.Connector)
		if err != nil {
			summary.Failed++
			s.log.Warn("pipeline: mailbox scan failed",
				zap.String("connection_id", mb.Conn.ID),
				zap.Error(err),
			)
			continue
		}
		summary.Connections = append(summary.Connections, res)
		summary.Inserted += res.Inserted
	}
	return summary, nil
}

// Parse pre-filters one batch of unparsed receipts and extracts the ones
// that look like transactions.
func (s *Service) Parse(ctx context.Context) (ParseSummary, error) {
	var summary ParseSummary
	halt, err := s.gate(ctx, "parse")
	if err != nil || halt.Halted {
		summary.Halt = halt
		return summary, err
	}

	receipts, err := s.store.ListReceipts(ctx, store.ReceiptFilter{Unparsed: true, Limit: s.cfg.ParseBatch})
	if err != nil {
		return summary, eris.Wrap(err, "pipeline: list unparsed receipts")
	}
	if len(receipts) == 0 {
		return summary, nil
	}

	kept, pf := s.prefilter.Run(ctx, receipts)
	summary.Prefilter = pf
	if s.metrics != nil {
		s.metrics.ObservePrefilter("kept", pf.Kept)
		s.metrics.ObservePrefilter("filtered", pf.Filtered)
		s.metrics.ObservePrefilter("skipped", pf.Skipped)
		s.metrics.ObservePrefilter("failed", pf.PatchErrors)
	}

	if len(kept) > 0 {
		results := s.router.Extract(ctx, kept)
		summary.Extraction = extract.Summarize(results)
	}

	s.log.Info("pipeline: parse complete",
		zap.Int("receipts", len(receipts)),
		zap.Int("kept", pf.Kept),
		zap.Int("filtered", pf.Filtered),
		zap.Int("ai", summary.Extraction.AI),
		zap.Int("regex_fallback", summary.Extraction.RegexFallback),
		zap.Int("extraction_filtered", summary.Extraction.Filtered),
	)
	return summary, nil
}

// CreateDetections reports the eligible-queue size to the governor and, if
// still allowed, reconciles one batch of eligible receipts per user.
func (s *Service) CreateDetections(ctx context.Context) (DetectSummary, error) {
	var summary DetectSummary
	halt, err := s.gate(ctx, "detect")
	if err != nil || halt.Halted {
		summary.Halt = halt
		return summary, err
	}

	eligible, err := s.store.CountEligible(ctx, s.cfg.MinConfidence)
	if err != nil {
		return summary, eris.Wrap(err, "pipeline: count eligible")
	}
	summary.Eligible = eligible

	d, err := s.gov.Evaluate(ctx, eligible)
	if err != nil {
		return summary, eris.Wrap(err, "pipeline: governance evaluate")
	}
	if d.Halted {
		summary.Halt = Halt{Halted: true, Reason: d.Reason}
		return summary, nil
	}
	if eligible == 0 {
		return summary, nil
	}

	receipts, err := s.store.ListReceipts(ctx, store.ReceiptFilter{
		Eligible:      true,
		MinConfidence: s.cfg.MinConfidence,
		Limit:         s.cfg.DetectBatch,
	})
	if err != nil {
		return summary, eris.Wrap(err, "pipeline: list eligible receipts")
	}

	users, byUser := groupByUser(receipts)
	summary.Users = len(users)
	for _, userID := range users {
		res, err := s.engine.Reconcile(ctx, userID, byUser[userID])
		mergeCandidateSummary(&summary.Candidate, res)
		if err != nil {
			if summary.Failed == nil {
				summary.Failed = make(map[string]string)
			}
			summary.Failed[userID] = err.Error()
			s.log.Warn("pipeline: reconcile failed", zap.String("user_id", userID), zap.Error(err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	s.observeCandidates(summary.Candidate)

	s.log.Info("pipeline: detections complete",
		zap.Int("eligible", eligible),
		zap.Int("users", summary.Users),
		zap.Int("created", summary.Candidate.Created),
		zap.Int("updated", summary.Candidate.Updated),
		zap.Int("linked_existing", summary.Candidate.LinkedExisting),
		zap.Int("price_changes", summary.Candidate.PriceChanges),
		zap.Int("failed", summary.Candidate.Failed),
	)
	return summary, nil
}

// RunCycle runs scan, parse and create-detections in order. It stops early
// when a stage reports a halt.
func (s *Service) RunCycle(ctx context.Context) (CycleSummary, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := time.Now()
	summary, err := s.runCycle(ctx)
	summary.Took = time.Since(start)
	return summary, err
}

func (s *Service) runCycle(ctx context.Context) (CycleSummary, error) {
	var summary CycleSummary

	scan, err := s.Scan(ctx)
	summary.Scan = scan
	if err != nil || scan.Halted {
		summary.Halt = scan.Halt
		return summary, err
	}

	parse, err := s.Parse(ctx)
	summary.Parse = parse
	if err != nil || parse.Halted {
		summary.Halt = parse.Halt
		return summary, err
	}

	detect, err := s.CreateDetections(ctx)
	summary.Detect = detect
	summary.Halt = detect.Halt
	return summary, err
}

// groupByUser returns user ids in first-seen order with their results.
func groupByUser(receipts []model.Receipt) ([]string, map[string][]model.ExtractionResult) {
	var order []string
	byUser := make(map[string][]model.ExtractionResult)
	for i := range receipts {
		uid := receipts[i].UserID
		if _, ok := byUser[uid]; !ok {
			order = append(order, uid)
		}
		byUser[uid] = append(byUser[uid], receipts[i].Result())
	}
	return order, byUser
}

func mergeCandidateSummary(dst *candidate.Summary, src candidate.Summary) {
	dst.Created += src.Created
	dst.Updated += src.Updated
	dst.LinkedExisting += src.LinkedExisting
	dst.PriceChanges += src.PriceChanges
	dst.Skipped += src.Skipped
	dst.Failed += src.Failed
	dst.Deferred += src.Deferred
	dst.Units = append(dst.Units, src.Units...)
}

func (s *Service) observeCandidates(sum candidate.Summary) {
	if s.metrics == nil {
		return
	}
	counts := make(map[candidate.Outcome]int)
	for _, u := range sum.Units {
		counts[u.Outcome]++
	}
	for outcome, n := range counts {
		s.metrics.ObserveReconcile(string(outcome), n)
	}
}
