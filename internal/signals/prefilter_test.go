package signals

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/sells-group/subscout/internal/model"
	"github.com/sells-group/subscout/internal/store"
)

type mockPatcher struct {
	mock.Mock
}

func (m *mockPatcher) UpdateReceiptParse(ctx context.Context, u store.ParseUpdate) error {
	args := m.Called(ctx, u)
	return args.Error(0)
}

func receiptFrom(id string, email model.RawEmail) model.Receipt {
	return model.Receipt{
		ID:        id,
		UserID:    "u-1",
		MessageID: email.MessageID,
		Sender:    email.From,
		Subject:   email.Subject,
		Body:      email.Body,
	}
}

func TestPrefilter_Run(t *testing.T) {
	promo := model.RawEmail{
		MessageID: "m-2",
		From:      "Deals <news@shop.example>",
		Subject:   "Last chance: 40% off",
		Body:      "Limited time sale. Shop now, use coupon SAVE40.",
	}
	receipts := []model.Receipt{
		receiptFrom("r-1", netflixReceipt()),
		receiptFrom("r-2", promo),
		{ID: "r-3", Parsed: true, ParsingMethod: model.MethodAI},
	}

	patcher := new(mockPatcher)
	patcher.On("UpdateReceiptParse", mock.Anything, mock.MatchedBy(func(u store.ParseUpdate) bool {
		return u.ReceiptID == "r-2" && u.Method == model.MethodFiltered
	})).Return(nil)

	kept, summary := NewPrefilter(NewClassifier(nil, 0), patcher).Run(context.Background(), receipts)

	assert.Len(t, kept, 1)
	assert.Equal(t, "r-1", kept[0].ID)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Kept)
	assert.Equal(t, 1, summary.Filtered)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.PatchErrors)
	assert.Equal(t, 1, summary.ByType[string(TypeSubscriptionReceipt)])
	patcher.AssertExpectations(t)
}

func TestPrefilter_PatchErrorIsCounted(t *testing.T) {
	plain := model.RawEmail{From: "friend@example.org", Subject: "hi", Body: "see you soon"}

	patcher := new(mockPatcher)
	patcher.On("UpdateReceiptParse", mock.Anything, mock.Anything).Return(errors.New("db down"))

	kept, summary := NewPrefilter(NewClassifier(nil, 0), patcher).Run(context.Background(),
		[]model.Receipt{receiptFrom("r-1", plain)})

	assert.Empty(t, kept)
	assert.Equal(t, 1, summary.Filtered)
	assert.Equal(t, 1, summary.PatchErrors)
	patcher.AssertExpectations(t)
}

func TestPrefilter_NilPatcherAndCancelledContext(t *testing.T) {
	plain := model.RawEmail{From: "friend@example.org", Subject: "hi", Body: "see you soon"}
	p := NewPrefilter(NewClassifier(nil, 0), nil)

	kept, summary := p.Run(context.Background(), []model.Receipt{receiptFrom("r-1", plain)})
	assert.Empty(t, kept)
	assert.Equal(t, 1, summary.Filtered)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	kept, summary = p.Run(ctx, []model.Receipt{receiptFrom("r-2", netflixReceipt())})
	assert.Empty(t, kept)
	assert.Equal(t, 1, summary.Skipped)
}
