package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/subscout/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	collector := NewCollector(&mockQuerier{}, 0.6)
	checker := NewChecker(collector, NewAlerter(testGovernanceConfig("")), nil, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockQuerier{}, 0.6), NewAlerter(testGovernanceConfig("")), nil, 0)
	assert.NotNil(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckUpdatesGaugesAndAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	q := &mockQuerier{
		eligible: 130,
		pending:  []model.Candidate{{ID: "c1"}},
		gov:      model.PipelineGovernance{UnchangedStreak: 2},
	}
	m := NewMetrics(prometheus.NewRegistry())
	checker := NewChecker(NewCollector(q, 0.6), NewAlerter(testGovernanceConfig(ts.URL)), m, time.Minute)

	checker.Check(context.Background())

	assert.Equal(t, 130.0, testutil.ToFloat64(m.QueueSize))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PendingCandidates))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.UnchangedStreak))
	assert.Equal(t, int32(1), received.Load())
}
