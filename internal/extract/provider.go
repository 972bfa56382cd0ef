package extract

import (
	"context"
	"errors"
	"net"
	"net/url"

	"github.com/rotisserie/eris"

	"github.com/sells-group/subscout/internal/cost"
	"github.com/sells-group/subscout/internal/resilience"
	"github.com/sells-group/subscout/pkg/anthropic"
	"github.com/sells-group/subscout/pkg/openai"
)

// Completion is the raw text answer of one provider call.
type Completion struct {
	Text  string
	Model string
	Usage cost.Usage
}

// Provider is one AI extraction backend. Complete returns a
// resilience.TransientError for failures worth retrying (429, 5xx, network).
type Provider interface {
	Name() string
	Complete(ctx context.Context, prompt string) (*Completion, error)
}

// AnthropicProvider adapts the Anthropic Messages API.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	system    []anthropic.SystemBlock
}

// NewAnthropicProvider creates provider A.
func NewAnthropicProvider(client anthropic.Client, model string, maxTokens int) *AnthropicProvider {
	if maxTokens <= 0 {
		maxTokens = 500
	}
	return &AnthropicProvider{
		client:    client,
		model:     model,
		maxTokens: int64(maxTokens),
		system:    anthropic.BuildCachedSystemBlocks(systemPrompt),
	}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, prompt string) (*Completion, error) {
	temp := 0.0
	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		System:      p.system,
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, classify(ctx, err, anthropic.StatusCode(err))
	}
	return &Completion{
		Text:  resp.Text(),
		Model: p.model,
		Usage: cost.Usage{
			InputTokens:      resp.Usage.InputTokens,
			OutputTokens:     resp.Usage.OutputTokens,
			CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadTokens:  resp.Usage.CacheReadInputTokens,
		},
	}, nil
}

// OpenAIProvider adapts an OpenAI-compatible chat-completions endpoint.
type OpenAIProvider struct {
	client    openai.Client
	model     string
	maxTokens int
}

// NewOpenAIProvider creates provider B.
func NewOpenAIProvider(client openai.Client, model string, maxTokens int) *OpenAIProvider {
	if maxTokens <= 0 {
		maxTokens = 500
	}
	return &OpenAIProvider{client: client, model: model, maxTokens: maxTokens}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, prompt string) (*Completion, error) {
	temp := 0.0
	maxTokens := p.maxTokens
	resp, err := p.client.ChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature:    &temp,
		MaxTokens:      &maxTokens,
		ResponseFormat: &openai.ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, classify(ctx, err, openai.StatusCode(err))
	}
	return &Completion{
		Text:  resp.Text(),
		Model: p.model,
		Usage: cost.Usage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
	}, nil
}

// classify maps a client error onto the retry taxonomy: retryable HTTP
// statuses and transport failures become TransientError, everything else is
// permanent.
func classify(ctx context.Context, err error, status int) error {
	if ctx.Err() != nil {
		return err
	}
	if status != 0 {
		if resilience.IsTransientHTTPStatus(status) {
			return resilience.NewTransientError(err, status)
		}
		return eris.Wrapf(err, "extract: provider status %d", status)
	}
	if isNetworkError(err) || resilience.IsTransient(err) {
		return resilience.NewTransientError(err, 0)
	}
	return err
}

func isNetworkError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
