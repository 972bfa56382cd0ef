package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/subscout/internal/model"
)

type mockInserter struct {
	mock.Mock
}

func (m *mockInserter) InsertNotification(ctx context.Context, n *model.Notification) error {
	return m.Called(ctx, n).Error(0)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, n model.Notification) {
	m.Called(ctx, n)
}

func detected() model.Notification {
	return model.Notification{
		UserID:  "u1",
		Type:    model.NotifySubscriptionDetected,
		Title:   "New subscription detected",
		Message: "We found a Netflix subscription.",
		Data:    map[string]any{"merchant": "Netflix"},
	}
}

func TestStoreSink_Inserts(t *testing.T) {
	ins := new(mockInserter)
	ins.On("InsertNotification", mock.Anything, mock.MatchedBy(func(n *model.Notification) bool {
		return n.UserID == "u1" && n.Type == model.NotifySubscriptionDetected
	})).Return(nil).Once()

	NewStoreSink(ins).Notify(context.Background(), detected())
	ins.AssertExpectations(t)
}

func TestStoreSink_SwallowsErrors(t *testing.T) {
	ins := new(mockInserter)
	ins.On("InsertNotification", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	assert.NotPanics(t, func() {
		NewStoreSink(ins).Notify(context.Background(), detected())
	})
}

func TestWebhookSink_Posts(t *testing.T) {
	var got model.Notification
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	NewWebhookSink(ts.URL).Notify(context.Background(), detected())

	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, model.NotifySubscriptionDetected, got.Type)
	assert.Equal(t, "Netflix", got.Data["merchant"])
	assert.False(t, got.CreatedAt.IsZero())
}

func TestWebhookSink_SwallowsFailures(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	assert.NotPanics(t, func() {
		NewWebhookSink(ts.URL).Notify(context.Background(), detected())
		NewWebhookSink("http://127.0.0.1:1/unreachable").Notify(context.Background(), detected())
	})
}

func TestMulti_FansOut(t *testing.T) {
	a, b := new(mockNotifier), new(mockNotifier)
	a.On("Notify", mock.Anything, mock.Anything).Once()
	b.On("Notify", mock.Anything, mock.Anything).Once()

	Multi{a, b, Log{}}.Notify(context.Background(), detected())

	a.AssertExpectations(t)
	b.AssertExpectations(t)
}
