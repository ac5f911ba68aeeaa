package models

import (
	"strings"
	"time"
)

// ConversationID identifies a conversation thread. It is an opaque, stable
// value key: the coordinator never inspects its contents, it only uses it
// to route messages to the right lock and transcript.
type ConversationID string

// String returns the raw identifier.
func (id ConversationID) String() string {
	return string(id)
}

// Valid reports whether the identifier is non-empty after trimming.
func (id ConversationID) Valid() bool {
	return strings.TrimSpace(string(id)) != ""
}

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Exchange is one completed request/response pair for a conversation.
// It is the unit the transcript store persists after a successful
// inference call.
type Exchange struct {
	ID             string         `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	UserMessage    string         `json:"user_message"`
	AssistantReply string         `json:"assistant_reply"`
	Model          string         `json:"model"`
	LatencyMS      int64          `json:"latency_ms"`
	CreatedAt      time.Time      `json:"created_at"`
}
