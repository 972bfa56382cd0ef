package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/subscout/internal/config"
	"github.com/sells-group/subscout/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSafeModeEnabled AlertType = "safe_mode_enabled"
	AlertSafeModeActive  AlertType = "safe_mode_active"
	AlertQueueGrowing    AlertType = "detection_queue_growing"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against the governance thresholds
// and sends alerts via webhook.
type Alerter struct {
	cfg    config.GovernanceConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given governance config.
func NewAlerter(cfg config.GovernanceConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if snap.SafeModeEnabled {
		details := map[string]any{
			"reason":         snap.SafeModeReason,
			"eligible_queue": snap.EligibleQueue,
		}
		if snap.SafeModeSince != nil {
			details["since"] = snap.SafeModeSince.Format(time.RFC3339)
		}
		alerts = append(alerts, Alert{
			Type:      AlertSafeModeActive,
			Severity:  "high",
			Message:   fmt.Sprintf("Pipeline is in safe mode (%s); automated runs are halted", snap.SafeModeReason),
			Details:   details,
			Timestamp: now,
		})
		return alerts
	}

	warnAt := int(float64(a.cfg.SpikeThreshold) * a.cfg.QueueWarnRatio)
	if a.cfg.SpikeThreshold > 0 && warnAt > 0 && snap.EligibleQueue >= warnAt {
		alerts = append(alerts, Alert{
			Type:     AlertQueueGrowing,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Detection queue at %d, safe mode trips at %d",
				snap.EligibleQueue, a.cfg.SpikeThreshold,
			),
			Details: map[string]any{
				"eligible_queue":     snap.EligibleQueue,
				"spike_threshold":    a.cfg.SpikeThreshold,
				"pending_candidates": snap.PendingCandidates,
				"unchanged_streak":   snap.UnchangedStreak,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SafeModeEnabled sends an alert for an automatic safe-mode trip. It
// satisfies governor.Alerter; delivery failures are logged.
func (a *Alerter) SafeModeEnabled(ctx context.Context, g model.PipelineGovernance) {
	alert := Alert{
		Type:     AlertSafeModeEnabled,
		Severity: "critical",
		Message:  fmt.Sprintf("Safe mode enabled: %s (queue size %d)", g.Reason, g.LastQueueSize),
		Details: map[string]any{
			"reason":           g.Reason,
			"last_queue_size":  g.LastQueueSize,
			"unchanged_streak": g.UnchangedStreak,
		},
		Timestamp: time.Now().UTC(),
	}
	a.SendAlerts(ctx, []Alert{alert})
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.AlertWebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.AlertWebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
