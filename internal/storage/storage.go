// Package storage persists conversation transcripts. The coordinator
// records an exchange only after a successful inference call; lock
// correctness never depends on persistence succeeding.
package storage

import (
	"context"

	"github.com/convolock/convolock/pkg/models"
)

// TranscriptStore persists completed exchanges.
type TranscriptStore interface {
	// AppendExchange records one completed exchange.
	AppendExchange(ctx context.Context, exchange *models.Exchange) error

	// History returns the most recent exchanges for a conversation in
	// chronological order, at most limit entries (limit <= 0 means a
	// store-chosen default).
	History(ctx context.Context, conversationID models.ConversationID, limit int) ([]*models.Exchange, error)

	// Close releases underlying resources.
	Close() error
}
