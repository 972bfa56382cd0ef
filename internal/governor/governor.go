// Package governor implements the safe-mode kill switch that halts automated
// pipeline runs when the unresolved-detection queue spikes or stops draining.
package governor

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/subscout/internal/config"
	"github.com/sells-group/subscout/internal/model"
	"github.com/sells-group/subscout/internal/store"
)

// ErrSafeMode is returned by Decision.Err when the pipeline is halted.
var ErrSafeMode = eris.New("governor: safe mode enabled")

// maxSwapAttempts bounds the compare-and-set retries of manual controls.
const maxSwapAttempts = 5

// Thresholds are the two enable rules.
type Thresholds struct {
	// Spike enables safe mode when the eligible count reaches it.
	Spike int
	// StuckCycles is the number of consecutive similar counts that trips the
	// stuck rule.
	StuckCycles int
	// StuckTolerance is the relative delta under which two counts are similar.
	StuckTolerance float64
	// StuckMinDelta is the absolute delta floor for similarity.
	StuckMinDelta int
}

// DefaultThresholds returns spike 150, stuck after 3 cycles within 5% or 2.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Spike:          150,
		StuckCycles:    3,
		StuckTolerance: 0.05,
		StuckMinDelta:  2,
	}
}

// ThresholdsFromConfig fills unset config values with defaults.
func ThresholdsFromConfig(cfg config.GovernanceConfig) Thresholds {
	th := DefaultThresholds()
	if cfg.SpikeThreshold > 0 {
		th.Spike = cfg.SpikeThreshold
	}
	if cfg.StuckCycles > 0 {
		th.StuckCycles = cfg.StuckCycles
	}
	if cfg.StuckTolerance > 0 {
		th.StuckTolerance = cfg.StuckTolerance
	}
	if cfg.StuckMinDelta > 0 {
		th.StuckMinDelta = cfg.StuckMinDelta
	}
	return th
}

// Similar reports whether cur is within tolerance of prev. The allowed delta
// is max(StuckMinDelta, StuckTolerance*prev).
func (th Thresholds) Similar(prev, cur int) bool {
	allowed := math.Max(float64(th.StuckMinDelta), th.StuckTolerance*float64(prev))
	return math.Abs(float64(cur-prev)) <= allowed
}

// Next computes the governance state after observing count eligible
// detections. It is pure: the caller persists the result. tripped is true
// when this observation enabled safe mode. An already enabled state is
// returned unchanged.
func Next(prev model.PipelineGovernance, count int, th Thresholds, now time.Time) (next model.PipelineGovernance, tripped bool) {
	next = prev
	if prev.SafeModeEnabled {
		return next, false
	}

	switch {
	case count <= 0:
		next.UnchangedStreak = 0
	case th.Similar(prev.LastQueueSize, count) && prev.UnchangedStreak > 0:
		next.UnchangedStreak = prev.UnchangedStreak + 1
	default:
		// First observation of a new level.
		next.UnchangedStreak = 1
	}
	next.LastQueueSize = count
	next.UpdatedAt = now

	switch {
	case count >= th.Spike:
		next.Reason = model.ReasonQueueLarge
	case count > 0 && next.UnchangedStreak >= th.StuckCycles:
		next.Reason = model.ReasonQueueStuck
	default:
		return next, false
	}

	enabledAt := now
	next.SafeModeEnabled = true
	next.EnabledAt = &enabledAt
	return next, true
}

// Store is the persistence the governor needs.
type Store interface {
	GetGovernance(ctx context.Context) (*model.PipelineGovernance, error)
	CompareAndSwapGovernance(ctx context.Context, expectedVersion int64, next model.PipelineGovernance) error
}

// Alerter is notified when safe mode trips automatically.
type Alerter interface {
	SafeModeEnabled(ctx context.Context, g model.PipelineGovernance)
}

// Metrics receives governance gauges.
type Metrics interface {
	ObserveGovernance(g model.PipelineGovernance)
}

// Decision is the outcome of a governance check.
type Decision struct {
	Halted bool                     `json:"halted"`
	Reason string                   `json:"reason,omitempty"`
	State  model.PipelineGovernance `json:"state"`
}

// Err returns ErrSafeMode wrapped with the reason when halted, nil otherwise.
func (d Decision) Err() error {
	if !d.Halted {
		return nil
	}
	return eris.Wrapf(ErrSafeMode, "reason %s", d.Reason)
}

// Governor gates pipeline invocations on the persisted safe-mode flag.
type Governor struct {
	store       Store
	th          Thresholds
	envOverride bool
	alerter     Alerter
	metrics     Metrics
	now         func() time.Time
	log         *zap.Logger
}

// Option configures a Governor.
type Option func(*Governor)

// WithEnvOverride forces safe mode regardless of stored state.
func WithEnvOverride(on bool) Option {
	return func(g *Governor) { g.envOverride = on }
}

// WithAlerter fires a on automatic trips.
func WithAlerter(a Alerter) Option {
	return func(g *Governor) { g.alerter = a }
}

// WithMetrics reports state changes to m.
func WithMetrics(m Metrics) Option {
	return func(g *Governor) { g.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// New creates a Governor.
func New(st Store, th Thresholds, opts ...Option) *Governor {
	g := &Governor{
		store: st,
		th:    th,
		now:   func() time.Time { return time.Now().UTC() },
		log:   zap.L().With(zap.String("component", "governor")),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// State returns the persisted governance record.
func (g *Governor) State(ctx context.Context) (*model.PipelineGovernance, error) {
	st, err := g.store.GetGovernance(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "governor: read state")
	}
	return st, nil
}

// Check reports whether automated runs are halted. The environment override
// takes priority over the stored flag.
func (g *Governor) Check(ctx context.Context) (Decision, error) {
	st, err := g.State(ctx)
	if err != nil {
		return Decision{}, err
	}
	return g.decide(*st), nil
}

func (g *Governor) decide(st model.PipelineGovernance) Decision {
	switch {
	case g.envOverride:
		return Decision{Halted: true, Reason: model.ReasonEnvOverride, State: st}
	case st.SafeModeEnabled:
		return Decision{Halted: true, Reason: st.Reason, State: st}
	}
	return Decision{State: st}
}

// Evaluate records one observation of the eligible-detection count and
// returns whether the pipeline may proceed. The read-modify-write is a
// compare-and-set; a losing writer adopts the winner's state instead of
// applying its own observation a second time.
func (g *Governor) Evaluate(ctx context.Context, eligible int) (Decision, error) {
	cur, err := g.State(ctx)
	if err != nil {
		return Decision{}, err
	}
	if d := g.decide(*cur); d.Halted {
		return d, nil
	}

	next, tripped := Next(*cur, eligible, g.th, g.now())
	err = g.store.CompareAndSwapGovernance(ctx, cur.Version, next)
	if errors.Is(err, store.ErrConflict) {
		winner, rerr := g.State(ctx)
		if rerr != nil {
			return Decision{}, rerr
		}
		g.log.Info("governor: concurrent evaluation, adopting stored state",
			zap.Int("eligible", eligible),
			zap.Int64("version", winner.Version),
			zap.Bool("safe_mode", winner.SafeModeEnabled),
		)
		return g.decide(*winner), nil
	}
	if err != nil {
		return Decision{}, eris.Wrap(err, "governor: persist state")
	}
	next.Version = cur.Version + 1
	g.observe(next)

	if !tripped {
		g.log.Debug("governor: queue observed",
			zap.Int("eligible", eligible),
			zap.Int("unchanged_streak", next.UnchangedStreak),
		)
		return Decision{State: next}, nil
	}

	g.log.Warn("governor: safe mode enabled",
		zap.String("reason", next.Reason),
		zap.Int("eligible", eligible),
		zap.Int("unchanged_streak", next.UnchangedStreak),
	)
	if g.alerter != nil {
		g.alerter.SafeModeEnabled(ctx, next)
	}
	return Decision{Halted: true, Reason: next.Reason, State: next}, nil
}

// Enable turns safe mode on manually. An empty reason records "manual".
func (g *Governor) Enable(ctx context.Context, reason string) (*model.PipelineGovernance, error) {
	if reason == "" {
		reason = model.ReasonManual
	}
	return g.swap(ctx, func(cur model.PipelineGovernance) model.PipelineGovernance {
		next := cur
		if !cur.SafeModeEnabled {
			at := g.now()
			next.EnabledAt = &at
		}
		next.SafeModeEnabled = true
		next.Reason = reason
		return next
	})
}

// Disable turns safe mode off and resets the stuck streak. The environment
// override, when set, still halts runs.
func (g *Governor) Disable(ctx context.Context) (*model.PipelineGovernance, error) {
	return g.swap(ctx, func(cur model.PipelineGovernance) model.PipelineGovernance {
		next := cur
		next.SafeModeEnabled = false
		next.Reason = ""
		next.EnabledAt = nil
		next.UnchangedStreak = 0
		return next
	})
}

func (g *Governor) swap(ctx context.Context, mutate func(model.PipelineGovernance) model.PipelineGovernance) (*model.PipelineGovernance, error) {
	for range maxSwapAttempts {
		cur, err := g.State(ctx)
		if err != nil {
			return nil, err
		}
		next := mutate(*cur)
		next.UpdatedAt = g.now()

		err = g.store.CompareAndSwapGovernance(ctx, cur.Version, next)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, eris.Wrap(err, "governor: persist state")
		}
		next.Version = cur.Version + 1
		g.observe(next)
		g.log.Info("governor: safe mode set manually",
			zap.Bool("enabled", next.SafeModeEnabled),
			zap.String("reason", next.Reason),
		)
		return &next, nil
	}
	return nil, eris.Wrap(store.ErrConflict, "governor: too many concurrent writers")
}

func (g *Governor) observe(st model.PipelineGovernance) {
	if g.metrics != nil {
		g.metrics.ObserveGovernance(st)
	}
}
