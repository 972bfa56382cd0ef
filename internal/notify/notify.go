// Package notify delivers user notifications emitted by the candidate engine.
// Every sink swallows its own failures: a lost notification never fails the
// unit of work that produced it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/subscout/internal/model"
)

// Notifier delivers one notification.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification)
}

// Inserter persists notifications.
type Inserter interface {
	InsertNotification(ctx context.Context, n *model.Notification) error
}

// StoreSink records notifications in the store for later display.
type StoreSink struct {
	store Inserter
}

// NewStoreSink creates a StoreSink.
func NewStoreSink(st Inserter) *StoreSink {
	return &StoreSink{store: st}
}

// Notify inserts n. Failures are logged.
func (s *StoreSink) Notify(ctx context.Context, n model.Notification) {
	if err := s.store.InsertNotification(ctx, &n); err != nil {
		zap.L().Warn("notify: store notification failed",
			zap.String("user_id", n.UserID),
			zap.String("type", string(n.Type)),
			zap.Error(err),
		)
	}
}

// WebhookSink posts notifications as JSON to a URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a WebhookSink.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify posts n. Failures are logged.
func (w *WebhookSink) Notify(ctx context.Context, n model.Notification) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if err := w.post(ctx, n); err != nil {
		zap.L().Warn("notify: webhook delivery failed",
			zap.String("user_id", n.UserID),
			zap.String("type", string(n.Type)),
			zap.Error(err),
		)
	}
}

func (w *WebhookSink) post(ctx context.Context, n model.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return eris.Wrap(err, "notify: marshal notification")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Multi fans a notification out to every sink in order.
type Multi []Notifier

// Notify delivers n to each sink.
func (m Multi) Notify(ctx context.Context, n model.Notification) {
	for _, s := range m {
		s.Notify(ctx, n)
	}
}

// Log writes notifications to the logger only. Used when no sink is configured.
type Log struct{}

// Notify logs n at info level.
func (Log) Notify(_ context.Context, n model.Notification) {
	zap.L().Info("notify: notification",
		zap.String("user_id", n.UserID),
		zap.String("type", string(n.Type)),
		zap.String("title", n.Title),
	)
}
