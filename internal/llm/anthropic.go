package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/convolock/convolock/pkg/models"
)

// AnthropicConfig holds configuration for the Anthropic provider. Only
// APIKey is required; the rest default in NewAnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
	MaxRetries   int
	RetryDelay   time.Duration
}

// AnthropicProvider implements Provider against Anthropic's Messages
// API. Transient failures (rate limits, 5xx) are retried with
// exponential backoff inside the caller's deadline; the context is
// checked before every attempt so cancellation is never delayed by a
// backoff sleep.
//
// Thread Safety:
// AnthropicProvider is safe for concurrent use.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
	maxRetries   int
	retryDelay   time.Duration
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	} else if config.MaxRetries == 0 {
		config.MaxRetries = 2
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
		maxTokens:    config.MaxTokens,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
	}, nil
}

// Name identifies the backend.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete performs one Messages API call.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: req.System,
			},
		}
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff, aborted by ctx.
			delay := p.retryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, NewProviderError(p.Name(), model, ctx.Err())
			case <-time.After(delay):
			}
		}

		msg, err := p.client.Messages.New(ctx, params)
		if err == nil {
			return anthropicResponse(msg, model), nil
		}

		lastErr = wrapAnthropicError(p.Name(), model, err)
		if !IsRetryable(lastErr) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func convertAnthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case models.RoleAssistant:
			result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			return nil, fmt.Errorf("unsupported role %q", msg.Role)
		}
	}
	return result, nil
}

func anthropicResponse(msg *anthropic.Message, model string) *Response {
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Response{
		Text:         text.String(),
		Model:        model,
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
}

func wrapAnthropicError(provider, model string, err error) error {
	perr := NewProviderError(provider, model, err)
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		perr = perr.WithStatus(apiErr.StatusCode)
	}
	return perr
}
