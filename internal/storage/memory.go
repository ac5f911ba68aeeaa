package storage

import (
	"context"
	"sync"

	"github.com/convolock/convolock/pkg/models"
)

const defaultHistoryLimit = 50

// MemoryStore is an in-memory TranscriptStore for tests and runs with
// persistence disabled.
//
// Thread Safety:
// MemoryStore is safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	exchanges map[models.ConversationID][]*models.Exchange
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		exchanges: make(map[models.ConversationID][]*models.Exchange),
	}
}

// AppendExchange records one completed exchange.
func (s *MemoryStore) AppendExchange(ctx context.Context, exchange *models.Exchange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	copied := *exchange

	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchanges[exchange.ConversationID] = append(s.exchanges[exchange.ConversationID], &copied)
	return nil
}

// History returns the most recent exchanges in chronological order.
func (s *MemoryStore) History(ctx context.Context, conversationID models.ConversationID, limit int) ([]*models.Exchange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.exchanges[conversationID]
	start := 0
	if len(all) > limit {
		start = len(all) - limit
	}

	result := make([]*models.Exchange, 0, len(all)-start)
	for _, exchange := range all[start:] {
		copied := *exchange
		result = append(result, &copied)
	}
	return result, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
