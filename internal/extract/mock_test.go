package extract

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/subscout/internal/model"
	"github.com/sells-group/subscout/internal/store"
	"github.com/sells-group/subscout/pkg/anthropic"
	"github.com/sells-group/subscout/pkg/openai"
)

type mockProvider struct {
	mock.Mock
	name string
}

func newMockProvider(name string) *mockProvider {
	return &mockProvider{name: name}
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Complete(ctx context.Context, prompt string) (*Completion, error) {
	args := m.Called(ctx, prompt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Completion), args.Error(1)
}

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) UpdateReceiptParse(ctx context.Context, u store.ParseUpdate) error {
	args := m.Called(ctx, u)
	return args.Error(0)
}

type mockProgress struct {
	mock.Mock
}

func (m *mockProgress) SaveProgress(ctx context.Context, p model.ParseProgress) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

type mockMetrics struct {
	mock.Mock
}

func (m *mockMetrics) ObserveExtraction(provider string, method model.ParsingMethod) {
	m.Called(provider, method)
}

func (m *mockMetrics) ObserveProviderError(provider string, status int) {
	m.Called(provider, status)
}

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

type mockOpenAIClient struct {
	mock.Mock
}

func (m *mockOpenAIClient) ChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*openai.ChatCompletionResponse), args.Error(1)
}
