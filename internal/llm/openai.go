package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/convolock/convolock/pkg/models"
)

// OpenAIConfig holds configuration for the OpenAI provider. BaseURL may
// point at any OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
	MaxRetries   int
	RetryDelay   time.Duration
}

// OpenAIProvider implements Provider against the chat completions API.
// Retry behavior mirrors AnthropicProvider.
//
// Thread Safety:
// OpenAIProvider is safe for concurrent use.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	maxTokens    int
	maxRetries   int
	retryDelay   time.Duration
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = openai.GPT4o
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

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
		maxTokens:    config.MaxTokens,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
	}, nil
}

// Name identifies the backend.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete performs one chat completion call.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  convertOpenAIMessages(req.Messages, req.System),
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.retryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, NewProviderError(p.Name(), model, ctx.Err())
			case <-time.After(delay):
			}
		}

		resp, err := p.client.CreateChatCompletion(ctx, chatReq)
		if err == nil {
			if len(resp.Choices) == 0 {
				return nil, NewProviderError(p.Name(), model, errors.New("empty completion response"))
			}
			choice := resp.Choices[0]
			return &Response{
				Text:         choice.Message.Content,
				Model:        resp.Model,
				StopReason:   string(choice.FinishReason),
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			}, nil
		}

		lastErr = wrapOpenAIError(p.Name(), model, err)
		if !IsRetryable(lastErr) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func convertOpenAIMessages(messages []Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		role := openai.ChatMessageRoleUser
		if msg.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		result = append(result, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}
	return result
}

func wrapOpenAIError(provider, model string, err error) error {
	perr := NewProviderError(provider, model, err)
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr = perr.WithStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		perr = perr.WithStatus(reqErr.HTTPStatusCode)
	}
	return perr
}

// NewProviderFromName builds the named provider. It is the single switch
// the serve path uses to honor the configured default provider.
func NewProviderFromName(name string, anthropicCfg AnthropicConfig, openaiCfg OpenAIConfig) (Provider, error) {
	switch name {
	case "anthropic", "":
		return NewAnthropicProvider(anthropicCfg)
	case "openai":
		return NewOpenAIProvider(openaiCfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
}
