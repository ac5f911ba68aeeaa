// Package llm defines the inference backend interface consumed by the
// coordinator, with implementations for Anthropic's Claude API and
// OpenAI-compatible chat completion APIs.
//
// Every Complete call is bounded by the caller's context deadline and
// supports cooperative cancellation: when the deadline elapses the
// outbound request is abandoned through the context, no worker is left
// waiting on it.
package llm

import (
	"context"

	"github.com/convolock/convolock/pkg/models"
)

// Message is one turn of conversation history sent to the backend.
type Message struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// Request describes one inference call.
type Request struct {
	// ConversationID is carried for logging only; providers do not
	// interpret it.
	ConversationID models.ConversationID

	// System is the system prompt, may be empty.
	System string

	// Messages is the conversation history, oldest first, ending with
	// the user message being answered.
	Messages []Message

	// Model overrides the provider's default model when non-empty.
	Model string

	// MaxTokens overrides the provider's default completion budget when
	// positive.
	MaxTokens int
}

// Response is a completed inference call.
type Response struct {
	Text         string
	Model        string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Provider is an inference backend. Implementations must honor ctx
// cancellation and deadlines on Complete.
type Provider interface {
	// Name identifies the backend for logs and metrics.
	Name() string

	// Complete performs one inference call and returns the assistant's
	// reply. Errors are *ProviderError values where classification is
	// possible.
	Complete(ctx context.Context, req *Request) (*Response, error)
}
