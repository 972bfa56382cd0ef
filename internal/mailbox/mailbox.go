// Package mailbox fetches raw emails from linked mailboxes and stores them as
// receipts for the detection pipeline.
package mailbox

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/subscout/internal/config"
	"github.com/sells-group/subscout/internal/model"
)

// Provider names.
const (
	ProviderIMAP  = "imap"
	ProviderGmail = "gmail"
)

// Connector fetches messages received at or after since, newest last.
type Connector interface {
	Provider() string
	Fetch(ctx context.Context, since time.Time, max int) ([]model.RawEmail, error)
}

// NewConnector builds the connector for conn.Provider from cfg.
func NewConnector(ctx context.Context, cfg *config.Config, conn model.Connection) (Connector, error) {
	switch conn.Provider {
	case ProviderIMAP:
		return NewIMAPConnector(cfg.IMAP, conn.Label, cfg.Signals.BodyCap)
	case ProviderGmail:
		return NewGmailConnector(ctx, cfg.Gmail, conn.Label, cfg.Signals.BodyCap)
	}
	return nil, eris.Errorf("mailbox: unknown provider %q for connection %s", conn.Provider, conn.ID)
}

// toRawEmail decodes raw bytes, filling gaps from provider metadata.
func toRawEmail(raw []byte, bodyCap int, fallbackID string, received time.Time) (model.RawEmail, error) {
	d, err := Decode(raw, bodyCap)
	if err != nil {
		return model.RawEmail{}, err
	}
	email := model.RawEmail{
		MessageID:  d.MessageID,
		From:       d.From,
		Subject:    d.Subject,
		ReceivedAt: received,
		Body:       d.Body,
	}
	if email.MessageID == "" {
		email.MessageID = fallbackID
	}
	if email.ReceivedAt.IsZero() {
		email.ReceivedAt = d.Date
	}
	if email.ReceivedAt.IsZero() {
		email.ReceivedAt = time.Now().UTC()
	}
	return email, nil
}
