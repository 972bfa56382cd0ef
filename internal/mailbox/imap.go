package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/subscout/internal/config"
	"github.com/sells-group/subscout/internal/model"
)

// IMAPConnector reads a mailbox folder over IMAP.
type IMAPConnector struct {
	cfg     config.IMAPConfig
	folder  string
	bodyCap int
}

// NewIMAPConnector validates cfg and creates a connector for folder
// (INBOX when empty).
func NewIMAPConnector(cfg config.IMAPConfig, folder string, bodyCap int) (*IMAPConnector, error) {
	if cfg.Host == "" || cfg.User == "" || cfg.Password == "" {
		return nil, eris.New("mailbox: imap host, user and password are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	if folder == "" {
		folder = "INBOX"
	}
	return &IMAPConnector{cfg: cfg, folder: folder, bodyCap: bodyCap}, nil
}

// Provider returns "imap".
func (c *IMAPConnector) Provider() string { return ProviderIMAP }

// Fetch returns up to max messages received at or after since. Messages are
// fetched read-only and not marked seen.
func (c *IMAPConnector) Fetch(ctx context.Context, since time.Time, max int) ([]model.RawEmail, error) {
	client, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer client.Logout() //nolint:errcheck

	if err := client.Login(c.cfg.User, c.cfg.Password); err != nil {
		return nil, eris.Wrap(err, "mailbox: imap login")
	}
	if _, err := client.Select(c.folder, true); err != nil {
		return nil, eris.Wrapf(err, "mailbox: imap select %s", c.folder)
	}

	criteria := imap.NewSearchCriteria()
	if !since.IsZero() {
		// SINCE has day granularity; exact filtering happens below.
		criteria.Since = since
	}
	ids, err := client.Search(criteria)
	if err != nil {
		return nil, eris.Wrap(err, "mailbox: imap search")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if max > 0 && len(ids) > max {
		ids = ids[len(ids)-max:]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid, section.FetchItem()}
	messages := make(chan *imap.Message, len(ids))
	fetchDone := make(chan error, 1)
	go func() { fetchDone <- client.Fetch(seqset, items, messages) }()

	log := zap.L().With(zap.String("component", "mailbox.imap"), zap.String("folder", c.folder))
	out := make([]model.RawEmail, 0, len(ids))
	for msg := range messages {
		if msg == nil || ctx.Err() != nil {
			continue
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			log.Warn("mailbox: read imap body failed", zap.Uint32("uid", msg.Uid), zap.Error(err))
			continue
		}
		if !since.IsZero() && msg.InternalDate.Before(since) {
			continue
		}

		email, err := toRawEmail(raw, c.bodyCap, fmt.Sprintf("imap-%d", msg.Uid), msg.InternalDate.UTC())
		if err != nil {
			log.Warn("mailbox: decode imap message failed", zap.Uint32("uid", msg.Uid), zap.Error(err))
			continue
		}
		out = append(out, email)
	}

	if err := <-fetchDone; err != nil {
		return nil, eris.Wrap(err, "mailbox: imap fetch")
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "mailbox: imap fetch cancelled")
	}
	return out, nil
}

func (c *IMAPConnector) dial() (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	var client *imapclient.Client
	var err error
	if c.cfg.Secure {
		client, err = imapclient.DialTLS(addr, &tls.Config{ServerName: c.cfg.Host})
	} else {
		client, err = imapclient.Dial(addr)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "mailbox: imap dial %s", addr)
	}
	return client, nil
}
