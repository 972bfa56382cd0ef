package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/sells-group/subscout/internal/config"
)

func newGmailServer(t *testing.T, gotQuery *string) *httptest.Server {
	t.Helper()
	raw := map[string]string{
		"newer": htmlMessage,
		"older": plainMessage,
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/gmail/v1/users/me/messages":
			*gotQuery = r.URL.Query().Get("q")
			assert.Equal(t, "INBOX", r.URL.Query().Get("labelIds"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"messages": []map[string]string{{"id": "newer"}, {"id": "older"}},
			})
		case strings.HasPrefix(r.URL.Path, "/gmail/v1/users/me/messages/"):
			id := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/messages/")
			assert.Equal(t, "raw", r.URL.Query().Get("format"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":           id,
				"raw":          base64.RawURLEncoding.EncodeToString([]byte(raw[id])),
				"internalDate": "1772357400000",
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestGmailConnector_Fetch(t *testing.T) {
	var query string
	ts := newGmailServer(t, &query)
	defer ts.Close()

	ctx := context.Background()
	c, err := NewGmailConnector(ctx, config.GmailConfig{}, "", 0,
		option.WithEndpoint(ts.URL+"/"),
		option.WithHTTPClient(ts.Client()),
	)
	require.NoError(t, err)
	assert.Equal(t, ProviderGmail, c.Provider())

	since := time.Unix(1772000000, 0)
	emails, err := c.Fetch(ctx, since, 25)
	require.NoError(t, err)

	assert.Equal(t, "after:1772000000", query)
	require.Len(t, emails, 2)
	assert.Equal(t, "abc123@mailer.netflix.com", emails[0].MessageID, "oldest first")
	assert.Equal(t, "sp-1@spotify.com", emails[1].MessageID)
	assert.Equal(t, time.UnixMilli(1772357400000).UTC(), emails[0].ReceivedAt)
	assert.Contains(t, emails[1].Body, "$10.99")
}

func TestNewGmailConnector_RequiresCredentials(t *testing.T) {
	_, err := NewGmailConnector(context.Background(), config.GmailConfig{ClientID: "id"}, "", 0)
	require.Error(t, err)
}

func TestDecodeBase64URL(t *testing.T) {
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding} {
		out, err := decodeBase64URL(enc.EncodeToString([]byte("hello?>")))
		require.NoError(t, err)
		assert.Equal(t, "hello?>", string(out))
	}
	_, err := decodeBase64URL("!!!")
	require.Error(t, err)
}
