package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/subscout/internal/candidate"
	"github.com/sells-group/subscout/internal/extract"
	"github.com/sells-group/subscout/internal/governor"
	"github.com/sells-group/subscout/internal/mailbox"
	"github.com/sells-group/subscout/internal/model"
	"github.com/sells-group/subscout/internal/notify"
	"github.com/sells-group/subscout/internal/signals"
	"github.com/sells-group/subscout/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

type mockConnector struct {
	mock.Mock
}

func (m *mockConnector) Provider() string { return "mock" }

func (m *mockConnector) Fetch(ctx context.Context, since time.Time, max int) ([]model.RawEmail, error) {
	args := m.Called(ctx, since, max)
	emails, _ := args.Get(0).([]model.RawEmail)
	return emails, args.Error(1)
}

type recordingMetrics struct {
	prefilter map[string]int
	reconcile map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{prefilter: map[string]int{}, reconcile: map[string]int{}}
}

func (r *recordingMetrics) ObservePrefilter(outcome string, n int) { r.prefilter[outcome] += n }
func (r *recordingMetrics) ObserveReconcile(outcome string, n int) { r.reconcile[outcome] += n }

var testConn = model.Connection{ID: "conn-1", UserID: "u1", Provider: "mock"}

func netflixEmail() model.RawEmail {
	return model.RawEmail{
		MessageID:  "nf-1@mailer.netflix.com",
		From:       "Netflix <info@mailer.netflix.com>",
		Subject:    "Your receipt from Netflix",
		Body:       "Invoice #INV-20260301\nPayment received, thanks!\nTotal: $15.49\nNext billing date: April 1, 2026",
		ReceivedAt: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
	}
}

func promoEmail() model.RawEmail {
	return model.RawEmail{
		MessageID:  "promo-1@shop.example",
		From:       "Deals <news@shop.example>",
		Subject:    "Last chance: 40% off",
		Body:       "Limited time sale. Shop now, use coupon SAVE40.",
		ReceivedAt: time.Date(2026, 10, 2, 9, 0, 0, 0, time.UTC),
	}
}

type fixture struct {
	st      *store.SQLiteStore
	gov     *governor.Governor
	svc     *Service
	metrics *recordingMetrics
}

func newFixture(t *testing.T, th governor.Thresholds, govOpts []governor.Option, opts ...Option) *fixture {
	t.Helper()
	st := newTestStore(t)
	gov := governor.New(st, th, govOpts...)
	dir := signals.NewMerchantDirectory()
	prefilter := signals.NewPrefilter(signals.NewClassifier(dir, 0), st)
	router := extract.NewRouter(nil, extract.NewFallback(dir), extract.Config{}, extract.WithWriter(st))
	engine := candidate.NewEngine(st, notify.Log{}, 0)
	m := newRecordingMetrics()
	opts = append(opts, WithMetrics(m))
	svc := NewService(st, gov, prefilter, router, engine, Config{}, opts...)
	return &fixture{st: st, gov: gov, svc: svc, metrics: m}
}

func (f *fixture) insert(t *testing.T, userID string, email model.RawEmail) {
	t.Helper()
	_, err := f.st.InsertReceipt(context.Background(), &model.Receipt{
		UserID:     userID,
		MessageID:  email.MessageID,
		Sender:     email.From,
		Subject:    email.Subject,
		Body:       email.Body,
		ReceivedAt: email.ReceivedAt,
	})
	require.NoError(t, err)
}

func TestService_RunCycleEndToEnd(t *testing.T) {
	conn := new(mockConnector)
	conn.On("Fetch", mock.Anything, mock.Anything, mock.Anything).
		Return([]model.RawEmail{netflixEmail(), promoEmail()}, nil).Once()

	f := newFixture(t, governor.DefaultThresholds(), nil)
	WithMailboxes(mailbox.NewIngester(f.st, 0), []Mailbox{{Conn: testConn, Connector: conn}})(f.svc)

	ctx := context.Background()
	sum, err := f.svc.RunCycle(ctx)
	require.NoError(t, err)

	assert.False(t, sum.Halted)
	assert.Equal(t, 2, sum.Scan.Inserted)
	assert.Equal(t, 1, sum.Parse.Prefilter.Kept)
	assert.Equal(t, 1, sum.Parse.Prefilter.Filtered)
	assert.Equal(t, 1, sum.Parse.Extraction.RegexFallback)
	assert.Equal(t, 1, sum.Detect.Eligible)
	assert.Equal(t, 1, sum.Detect.Users)
	assert.Equal(t, 1, sum.Detect.Candidate.Created)
	assert.Positive(t, sum.Took)

	cands, err := f.st.ListCandidates(ctx, store.CandidateFilter{UserID: "u1", Status: model.CandidatePending})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "Netflix", cands[0].Name)
	assert.Equal(t, "15.49", cands[0].Amount.String())

	left, err := f.st.CountEligible(ctx, DefaultMinConfidence)
	require.NoError(t, err)
	assert.Zero(t, left, "reconciled receipts leave the queue")

	assert.Equal(t, 1, f.metrics.prefilter["kept"])
	assert.Equal(t, 1, f.metrics.prefilter["filtered"])
	assert.Equal(t, 1, f.metrics.reconcile[string(candidate.OutcomeCreatedCandidate)])
	conn.AssertExpectations(t)
}

func TestService_NoWorkIsNoop(t *testing.T) {
	f := newFixture(t, governor.DefaultThresholds(), nil)
	ctx := context.Background()

	scan, err := f.svc.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScanSummary{}, scan)

	parse, err := f.svc.Parse(ctx)
	require.NoError(t, err)
	assert.Zero(t, parse.Prefilter.Total)

	detect, err := f.svc.CreateDetections(ctx)
	require.NoError(t, err)
	assert.False(t, detect.Halted)
	assert.Zero(t, detect.Eligible)
	assert.Zero(t, detect.Users)

	g, err := f.st.GetGovernance(ctx)
	require.NoError(t, err)
	assert.False(t, g.SafeModeEnabled)
	assert.Equal(t, 0, g.UnchangedStreak)
}

func TestService_EnvOverrideHaltsEveryEntryPoint(t *testing.T) {
	conn := new(mockConnector)
	f := newFixture(t, governor.DefaultThresholds(), []governor.Option{governor.WithEnvOverride(true)})
	f.svc.ingester = mailbox.NewIngester(f.st, 0)
	f.svc.mailboxes = []Mailbox{{Conn: testConn, Connector: conn}}
	f.insert(t, "u1", netflixEmail())
	ctx := context.Background()

	scan, err := f.svc.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, scan.Halted)
	assert.Equal(t, model.ReasonEnvOverride, scan.Reason)

	parse, err := f.svc.Parse(ctx)
	require.NoError(t, err)
	assert.True(t, parse.Halted)

	detect, err := f.svc.CreateDetections(ctx)
	require.NoError(t, err)
	assert.True(t, detect.Halted)

	cycle, err := f.svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, cycle.Halted)
	assert.Equal(t, model.ReasonEnvOverride, cycle.Reason)

	unparsed, err := f.st.ListReceipts(ctx, store.ReceiptFilter{Unparsed: true})
	require.NoError(t, err)
	assert.Len(t, unparsed, 1, "halted runs do not touch receipts")
	conn.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_SpikeHaltsDetectionsAndLaterRuns(t *testing.T) {
	th := governor.DefaultThresholds()
	th.Spike = 1
	f := newFixture(t, th, nil)
	f.insert(t, "u1", netflixEmail())
	ctx := context.Background()

	parse, err := f.svc.Parse(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, parse.Extraction.RegexFallback)

	detect, err := f.svc.CreateDetections(ctx)
	require.NoError(t, err)
	assert.True(t, detect.Halted)
	assert.Equal(t, model.ReasonQueueLarge, detect.Reason)
	assert.Equal(t, 1, detect.Eligible)
	assert.Zero(t, detect.Candidate.Created)

	cands, err := f.st.ListCandidates(ctx, store.CandidateFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, cands)

	parse, err = f.svc.Parse(ctx)
	require.NoError(t, err)
	assert.True(t, parse.Halted)
	assert.Equal(t, model.ReasonQueueLarge, parse.Reason)

	_, err = f.gov.Disable(ctx)
	require.NoError(t, err)
	// The queue is still at the spike threshold, so the next observation
	// trips again.
	detect, err = f.svc.CreateDetections(ctx)
	require.NoError(t, err)
	assert.True(t, detect.Halted)
}

func TestService_ScanContinuesPastFailingMailbox(t *testing.T) {
	bad := new(mockConnector)
	bad.On("Fetch", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("auth failed"))
	good := new(mockConnector)
	good.On("Fetch", mock.Anything, mock.Anything, mock.Anything).Return([]model.RawEmail{netflixEmail()}, nil)

	f := newFixture(t, governor.DefaultThresholds(), nil)
	f.svc.ingester = mailbox.NewIngester(f.st, 0)
	f.svc.mailboxes = []Mailbox{
		{Conn: model.Connection{ID: "conn-bad", UserID: "u1"}, Connector: bad},
		{Conn: model.Connection{ID: "conn-good", UserID: "u2"}, Connector: good},
	}

	sum, err := f.svc.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Inserted)
	require.Len(t, sum.Connections, 1)
	assert.Equal(t, "conn-good", sum.Connections[0].ConnectionID)
}

func TestService_DetectionsGroupedPerUser(t *testing.T) {
	f := newFixture(t, governor.DefaultThresholds(), nil)
	a := netflixEmail()
	b := netflixEmail()
	b.MessageID = "nf-2@mailer.netflix.com"
	f.insert(t, "u1", a)
	f.insert(t, "u2", b)
	ctx := context.Background()

	_, err := f.svc.Parse(ctx)
	require.NoError(t, err)

	detect, err := f.svc.CreateDetections(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, detect.Users)
	assert.Equal(t, 2, detect.Candidate.Created)
	assert.Empty(t, detect.Failed)

	for _, uid := range []string{"u1", "u2"} {
		cands, err := f.st.ListCandidates(ctx, store.CandidateFilter{UserID: uid})
		require.NoError(t, err)
		assert.Len(t, cands, 1, uid)
	}
}

func TestGroupByUser_PreservesOrder(t *testing.T) {
	receipts := []model.Receipt{
		{ID: "r1", UserID: "b"},
		{ID: "r2", UserID: "a"},
		{ID: "r3", UserID: "b"},
	}
	order, byUser := groupByUser(receipts)
	assert.Equal(t, []string{"b", "a"}, order)
	require.Len(t, byUser["b"], 2)
	assert.Equal(t, "r1", byUser["b"][0].ReceiptID)
	assert.Equal(t, "r3", byUser["b"][1].ReceiptID)
}
