package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/subscout/internal/model"
	"github.com/sells-group/subscout/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Detection queue.
	EligibleQueue     int `json:"eligible_queue"`
	PendingCandidates int `json:"pending_candidates"`

	// Governance.
	SafeModeEnabled bool       `json:"safe_mode_enabled"`
	SafeModeReason  string     `json:"safe_mode_reason,omitempty"`
	SafeModeSince   *time.Time `json:"safe_mode_since,omitempty"`
	UnchangedStreak int        `json:"unchanged_streak"`

	CollectedAt time.Time `json:"collected_at"`
}

// Querier is the read-only store surface the collector needs.
type Querier interface {
	CountEligible(ctx context.Context, minConfidence float64) (int, error)
	ListCandidates(ctx context.Context, filter store.CandidateFilter) ([]model.Candidate, error)
	GetGovernance(ctx context.Context) (*model.PipelineGovernance, error)
}

// pendingScanLimit caps the candidate scan used for the pending gauge.
const pendingScanLimit = 10000

// Collector gathers queue and governance figures from the store.
type Collector struct {
	store         Querier
	minConfidence float64
}

// NewCollector creates a new metrics collector. minConfidence is the
// detection eligibility threshold.
func NewCollector(st Querier, minConfidence float64) *Collector {
	return &Collector{store: st, minConfidence: minConfidence}
}

// Collect gathers a snapshot of pipeline health.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{CollectedAt: time.Now().UTC()}

	eligible, err := c.store.CountEligible(ctx, c.minConfidence)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count eligible")
	}
	snap.EligibleQueue = eligible

	pending, err := c.store.ListCandidates(ctx, store.CandidateFilter{
		Status: model.CandidatePending,
		Limit:  pendingScanLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list pending candidates")
	}
	snap.PendingCandidates = len(pending)

	gov, err := c.store.GetGovernance(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: get governance")
	}
	snap.SafeModeEnabled = gov.SafeModeEnabled
	snap.SafeModeReason = gov.Reason
	snap.SafeModeSince = gov.EnabledAt
	snap.UnchangedStreak = gov.UnchangedStreak

	return snap, nil
}
