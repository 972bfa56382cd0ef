package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/subscout/internal/candidate"
	"github.com/sells-group/subscout/internal/config"
	"github.com/sells-group/subscout/internal/cost"
	"github.com/sells-group/subscout/internal/extract"
	"github.com/sells-group/subscout/internal/governor"
	"github.com/sells-group/subscout/internal/mailbox"
	"github.com/sells-group/subscout/internal/monitoring"
	"github.com/sells-group/subscout/internal/notify"
	"github.com/sells-group/subscout/internal/pipeline"
	"github.com/sells-group/subscout/internal/resilience"
	"github.com/sells-group/subscout/internal/signals"
	"github.com/sells-group/subscout/internal/store"
	anthropicpkg "github.com/sells-group/subscout/pkg/anthropic"
	openaipkg "github.com/sells-group/subscout/pkg/openai"
)

// appEnv holds the initialized store, governor and pipeline service needed
// by the pipeline, schedule and serve commands.
type appEnv struct {
	Store     store.Store
	Governor  *governor.Governor
	Directory *signals.MerchantDirectory
	Service   *pipeline.Service
	Metrics   *monitoring.Metrics
	Alerter   *monitoring.Alerter
	Registry  *prometheus.Registry
	Tracker   *cost.Tracker
}

// Close releases resources held by the environment and logs provider spend.
func (e *appEnv) Close() {
	if e.Tracker != nil {
		e.Tracker.Log(zap.L())
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initApp sets up the store, governor, extraction lanes and pipeline
// service. Callers should defer env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	dir, err := signals.LoadMerchantDirectory(cfg.Signals.MerchantFile)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(reg)
	alerter := monitoring.NewAlerter(cfg.Governance)

	gov := newGovernor(st, cfg.Governance, alerter, metrics)

	tracker := cost.NewTracker(cost.NewCalculator(pricingRates(cfg.Pricing)))
	router := extract.NewRouter(
		buildLanes(cfg),
		extract.NewFallback(dir),
		extractConfig(cfg.Extraction),
		extract.WithWriter(st),
		extract.WithProgress(st),
		extract.WithCostTracker(tracker),
		extract.WithMetrics(metrics),
	)

	prefilter := signals.NewPrefilter(signals.NewClassifier(dir, cfg.Signals.BodyCap), st)
	engine := candidate.NewEngine(st, buildNotifier(st, cfg.Notify), cfg.Detection.BatchSize)

	svc := pipeline.NewService(st, gov, prefilter, router, engine,
		pipeline.Config{
			ParseBatch:    cfg.Extraction.BatchSize,
			DetectBatch:   cfg.Detection.BatchSize,
			MinConfidence: cfg.Detection.MinConfidence,
		},
		pipeline.WithMailboxes(mailbox.NewIngester(st, cfg.Schedule.ScanMax), buildMailboxes(ctx, cfg)),
		pipeline.WithMetrics(metrics),
	)

	return &appEnv{
		Store:     st,
		Governor:  gov,
		Directory: dir,
		Service:   svc,
		Metrics:   metrics,
		Alerter:   alerter,
		Registry:  reg,
		Tracker:   tracker,
	}, nil
}

func newGovernor(st governor.Store, gc config.GovernanceConfig, alerter governor.Alerter, metrics governor.Metrics) *governor.Governor {
	opts := []governor.Option{governor.WithEnvOverride(gc.SafeMode)}
	if alerter != nil {
		opts = append(opts, governor.WithAlerter(alerter))
	}
	if metrics != nil {
		opts = append(opts, governor.WithMetrics(metrics))
	}
	return governor.New(st, governor.ThresholdsFromConfig(gc), opts...)
}

// buildLanes returns one lane per provider with a configured key. With none,
// the router sends every receipt to the regex fallback.
func buildLanes(c *config.Config) []extract.LaneConfig {
	breaker := resilience.FromCircuitConfig(c.Extraction.CircuitFailureThreshold, c.Extraction.CircuitResetSecs)
	var lanes []extract.LaneConfig

	if c.Anthropic.Key != "" {
		lanes = append(lanes, extract.LaneConfig{
			Provider:          extract.NewAnthropicProvider(anthropicpkg.NewClient(c.Anthropic.Key), c.Anthropic.Model, c.Anthropic.MaxTokens),
			RequestsPerMinute: c.Anthropic.RequestsPerMinute,
			Concurrency:       c.Anthropic.Concurrency,
			Breaker:           breaker,
		})
	} else {
		zap.L().Debug("SUBSCOUT_ANTHROPIC_KEY not set, anthropic lane disabled")
	}

	if c.OpenAI.Key != "" {
		client := openaipkg.NewClient(c.OpenAI.Key,
			openaipkg.WithBaseURL(c.OpenAI.BaseURL),
			openaipkg.WithModel(c.OpenAI.Model),
		)
		lanes = append(lanes, extract.LaneConfig{
			Provider:          extract.NewOpenAIProvider(client, c.OpenAI.Model, c.OpenAI.MaxTokens),
			RequestsPerMinute: c.OpenAI.RequestsPerMinute,
			Concurrency:       c.OpenAI.Concurrency,
			Breaker:           breaker,
		})
	} else {
		zap.L().Debug("SUBSCOUT_OPENAI_KEY not set, openai lane disabled")
	}

	if len(lanes) == 0 {
		zap.L().Warn("no AI provider configured, extraction uses regex fallback only")
	}
	return lanes
}

func extractConfig(ec config.ExtractionConfig) extract.Config {
	return extract.Config{
		MinAIConfidence: float64(ec.MinAIConfidence),
		BodyChars:       ec.BodyChars,
		ProgressEvery:   ec.ProgressEvery,
		Retry:           resilience.FromMillis(ec.RetryAttempts, ec.InitialBackoffMs),
	}
}

// pricingRates converts configured model pricing into calculator overrides.
func pricingRates(pc config.PricingConfig) cost.Rates {
	if len(pc.Models) == 0 {
		return nil
	}
	rates := make(cost.Rates, len(pc.Models))
	for model, p := range pc.Models {
		rates[model] = cost.ModelRate{Input: p.Input, Output: p.Output}
	}
	return rates
}

func buildNotifier(st notify.Inserter, nc config.NotifyConfig) notify.Notifier {
	sinks := notify.Multi{notify.NewStoreSink(st)}
	if nc.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(nc.WebhookURL))
	}
	return sinks
}

// buildMailboxes creates a connector per configured mailbox. A mailbox whose
// connector cannot be built is skipped with a warning.
func buildMailboxes(ctx context.Context, c *config.Config) []pipeline.Mailbox {
	var out []pipeline.Mailbox
	for _, conn := range c.Mailboxes {
		connector, err := mailbox.NewConnector(ctx, c, conn)
		if err != nil {
			zap.L().Warn("mailbox skipped",
				zap.String("connection_id", conn.ID),
				zap.String("provider", conn.Provider),
				zap.Error(err),
			)
			continue
		}
		out = append(out, pipeline.Mailbox{Conn: conn, Connector: connector})
	}
	return out
}
