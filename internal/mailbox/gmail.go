package mailbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/sells-group/subscout/internal/config"
	"github.com/sells-group/subscout/internal/model"
)

// GmailConnector reads a Gmail label through the Gmail API.
type GmailConnector struct {
	service *gmail.Service
	label   string
	bodyCap int
}

// NewGmailConnector creates a connector authenticated with the configured
// refresh token. Extra options are appended, so tests can point the client
// at a local endpoint.
func NewGmailConnector(ctx context.Context, cfg config.GmailConfig, label string, bodyCap int, opts ...option.ClientOption) (*GmailConnector, error) {
	if len(opts) == 0 {
		if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
			return nil, eris.New("mailbox: gmail client_id, client_secret and refresh_token are required")
		}
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmail.GmailReadonlyScope},
		}
		ts := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
		opts = []option.ClientOption{option.WithTokenSource(ts)}
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "mailbox: gmail service")
	}
	if label == "" {
		label = "INBOX"
	}
	return &GmailConnector{service: svc, label: label, bodyCap: bodyCap}, nil
}

// Provider returns "gmail".
func (c *GmailConnector) Provider() string { return ProviderGmail }

// Fetch returns up to max messages received after since, oldest first.
func (c *GmailConnector) Fetch(ctx context.Context, since time.Time, max int) ([]model.RawEmail, error) {
	call := c.service.Users.Messages.List("me").LabelIds(c.label).Context(ctx)
	if !since.IsZero() {
		call = call.Q(fmt.Sprintf("after:%d", since.Unix()))
	}
	if max > 0 {
		call = call.MaxResults(int64(max))
	}
	list, err := call.Do()
	if err != nil {
		return nil, eris.Wrap(err, "mailbox: gmail list")
	}

	log := zap.L().With(zap.String("component", "mailbox.gmail"), zap.String("label", c.label))
	out := make([]model.RawEmail, 0, len(list.Messages))
	// The API lists newest first.
	for i := len(list.Messages) - 1; i >= 0; i-- {
		ref := list.Messages[i]
		if ref.Id == "" {
			continue
		}
		msg, err := c.service.Users.Messages.Get("me", ref.Id).Format("raw").Context(ctx).Do()
		if err != nil {
			return nil, eris.Wrapf(err, "mailbox: gmail get %s", ref.Id)
		}
		if msg.Raw == "" {
			continue
		}
		raw, err := decodeBase64URL(msg.Raw)
		if err != nil {
			log.Warn("mailbox: gmail payload decode failed", zap.String("id", ref.Id), zap.Error(err))
			continue
		}

		var received time.Time
		if msg.InternalDate > 0 {
			received = time.UnixMilli(msg.InternalDate).UTC()
		}
		email, err := toRawEmail(raw, c.bodyCap, ref.Id, received)
		if err != nil {
			log.Warn("mailbox: decode gmail message failed", zap.String("id", ref.Id), zap.Error(err))
			continue
		}
		out = append(out, email)
	}
	return out, nil
}

func decodeBase64URL(input string) ([]byte, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(input)
	if err == nil {
		return decoded, nil
	}
	decoded, err = base64.URLEncoding.DecodeString(input)
	if err == nil {
		return decoded, nil
	}
	return nil, eris.Wrap(err, "mailbox: decode gmail raw payload")
}
