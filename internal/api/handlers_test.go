package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/subscout/internal/governor"
	"github.com/sells-group/subscout/internal/model"
	"github.com/sells-group/subscout/internal/pipeline"
	"github.com/sells-group/subscout/internal/signals"
	"github.com/sells-group/subscout/internal/store"
)

type mockCycler struct {
	mock.Mock
}

func (m *mockCycler) RunCycle(ctx context.Context) (pipeline.CycleSummary, error) {
	args := m.Called(ctx)
	return args.Get(0).(pipeline.CycleSummary), args.Error(1)
}

type testEnv struct {
	st     *store.SQLiteStore
	gov    *governor.Governor
	dir    *signals.MerchantDirectory
	cycler *mockCycler
	srv    *httptest.Server
}

func newTestEnv(t *testing.T, govOpts ...governor.Option) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	gov := governor.New(st, governor.DefaultThresholds(), govOpts...)
	dir := signals.NewMerchantDirectory()
	cycler := new(mockCycler)
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "subscout_test_total", Help: "test"}))

	h := NewHandler(st, gov, cycler, dir)
	srv := httptest.NewServer(NewRouter(h, reg, []string{"http://localhost:5173"}))
	t.Cleanup(srv.Close)
	return &testEnv{st: st, gov: gov, dir: dir, cycler: cycler, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) seedCandidate(t *testing.T, userID, name, sender string) *model.Candidate {
	t.Helper()
	c := &model.Candidate{
		UserID:      userID,
		Source:      model.CandidateSourceEmail,
		Name:        name,
		MerchantKey: strings.ToLower(name),
		Amount:      decimal.RequireFromString("20.00"),
		Currency:    "USD",
		Cadence:     model.CadenceMonthly,
		Confidence:  0.8,
		Provenance:  model.Provenance{ReceiptID: "r-1", Sender: sender, Subject: "Payment confirmation"},
	}
	require.NoError(t, e.st.CreateCandidate(context.Background(), c))
	return c
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])
}

func TestMetrics(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var sb bytes.Buffer
	_, err := sb.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, sb.String(), "subscout_test_total")
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t)
	req, err := http.NewRequest(http.MethodOptions, e.srv.URL+"/v1/governance", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestGovernance_ToggleSafeMode(t *testing.T) {
	e := newTestEnv(t)

	d := decode[governor.Decision](t, e.do(t, http.MethodGet, "/v1/governance", ""))
	assert.False(t, d.Halted)

	resp := e.do(t, http.MethodPost, "/v1/governance/safe-mode", `{"enabled": true, "reason": "investigating"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d = decode[governor.Decision](t, resp)
	assert.True(t, d.Halted)
	assert.Equal(t, "investigating", d.Reason)
	assert.NotNil(t, d.State.EnabledAt)

	resp = e.do(t, http.MethodPost, "/v1/governance/safe-mode", `{"enabled": false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d = decode[governor.Decision](t, resp)
	assert.False(t, d.Halted)
	assert.Empty(t, d.State.Reason)
}

func TestGovernance_DisableUnderEnvOverrideStillHalted(t *testing.T) {
	e := newTestEnv(t, governor.WithEnvOverride(true))
	resp := e.do(t, http.MethodPost, "/v1/governance/safe-mode", `{"enabled": false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decode[governor.Decision](t, resp)
	assert.True(t, d.Halted)
	assert.Equal(t, model.ReasonEnvOverride, d.Reason)
}

func TestGovernance_BadRequests(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"enabled":`},
		{"missing enabled", `{"reason": "x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.do(t, http.MethodPost, "/v1/governance/safe-mode", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestScanNow(t *testing.T) {
	e := newTestEnv(t)
	sum := pipeline.CycleSummary{}
	sum.Detect.Eligible = 3
	sum.Detect.Candidate.Created = 2
	e.cycler.On("RunCycle", mock.Anything).Return(sum, nil).Once()

	resp := e.do(t, http.MethodPost, "/v1/scan-now", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[pipeline.CycleSummary](t, resp)
	assert.Equal(t, 3, got.Detect.Eligible)
	assert.Equal(t, 2, got.Detect.Candidate.Created)
	e.cycler.AssertExpectations(t)
}

func TestScanNow_Error(t *testing.T) {
	e := newTestEnv(t)
	e.cycler.On("RunCycle", mock.Anything).Return(pipeline.CycleSummary{}, errors.New("db down"))

	resp := e.do(t, http.MethodPost, "/v1/scan-now", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "cycle failed", decode[ErrorResponse](t, resp).Error)
}

func TestListCandidates(t *testing.T) {
	e := newTestEnv(t)
	e.seedCandidate(t, "u1", "Acme", "Acme <billing@acme.io>")
	e.seedCandidate(t, "u2", "Hulu", "Hulu <hulu@hulumail.com>")
	dismissed := e.seedCandidate(t, "u1", "Spotify", "Spotify <no-reply@spotify.com>")
	require.NoError(t, e.st.DismissCandidate(context.Background(), dismissed.ID))

	got := decode[[]model.Candidate](t, e.do(t, http.MethodGet, "/v1/candidates?user_id=u1", ""))
	require.Len(t, got, 1)
	assert.Equal(t, "Acme", got[0].Name)

	got = decode[[]model.Candidate](t, e.do(t, http.MethodGet, "/v1/candidates?user_id=u1&status=all", ""))
	assert.Len(t, got, 2)

	got = decode[[]model.Candidate](t, e.do(t, http.MethodGet, "/v1/candidates?user_id=nobody", ""))
	assert.Empty(t, got)

	resp := e.do(t, http.MethodGet, "/v1/candidates?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = e.do(t, http.MethodGet, "/v1/candidates?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAcceptCandidate_LearnsSenderDomain(t *testing.T) {
	e := newTestEnv(t)
	c := e.seedCandidate(t, "u1", "Acme Tools", "Acme Tools Billing <billing@acme-tools.io>")

	resp := e.do(t, http.MethodPost, "/v1/candidates/"+c.ID+"/accept", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[AcceptResponse](t, resp)
	require.NotNil(t, got.Subscription)
	assert.Equal(t, "Acme Tools", got.Subscription.Name)
	assert.True(t, got.Subscription.Active)
	assert.Equal(t, "acme-tools.io", got.Learned)

	name, ok := e.dir.Lookup("acme-tools.io")
	assert.True(t, ok)
	assert.Equal(t, "Acme Tools", name)

	// Accepting twice conflicts.
	resp = e.do(t, http.MethodPost, "/v1/candidates/"+c.ID+"/accept", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAcceptCandidate_NotFound(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodPost, "/v1/candidates/missing/accept", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDismissCandidate(t *testing.T) {
	e := newTestEnv(t)
	c := e.seedCandidate(t, "u1", "Acme", "Acme <billing@acme.io>")

	resp := e.do(t, http.MethodPost, "/v1/candidates/"+c.ID+"/dismiss", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := e.st.GetCandidate(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CandidateDismissed, stored.Status)

	resp = e.do(t, http.MethodPost, "/v1/candidates/"+c.ID+"/dismiss", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "only pending candidates can be dismissed")
}
