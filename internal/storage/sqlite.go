package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/convolock/convolock/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS exchanges (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	user_message    TEXT NOT NULL,
	assistant_reply TEXT NOT NULL,
	model           TEXT NOT NULL DEFAULT '',
	latency_ms      INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exchanges_conversation
	ON exchanges(conversation_id, created_at);
`

// SQLiteStore is a TranscriptStore backed by SQLite.
//
// Thread Safety:
// SQLiteStore is safe for concurrent use; SQLite serializes writers
// internally.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// bootstraps the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// modernc's driver allows one writer; a single connection avoids
	// SQLITE_BUSY errors under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// AppendExchange records one completed exchange.
func (s *SQLiteStore) AppendExchange(ctx context.Context, exchange *models.Exchange) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchanges (id, conversation_id, user_message, assistant_reply, model, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		exchange.ID,
		exchange.ConversationID.String(),
		exchange.UserMessage,
		exchange.AssistantReply,
		exchange.Model,
		exchange.LatencyMS,
		exchange.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite append exchange: %w", err)
	}
	return nil
}

// History returns the most recent exchanges in chronological order.
func (s *SQLiteStore) History(ctx context.Context, conversationID models.ConversationID, limit int) ([]*models.Exchange, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, user_message, assistant_reply, model, latency_ms, created_at
		FROM (
			SELECT * FROM exchanges
			WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, id ASC
	`, conversationID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite history: %w", err)
	}
	defer rows.Close()

	var result []*models.Exchange
	for rows.Next() {
		var exchange models.Exchange
		var id string
		if err := rows.Scan(
			&exchange.ID,
			&id,
			&exchange.UserMessage,
			&exchange.AssistantReply,
			&exchange.Model,
			&exchange.LatencyMS,
			&exchange.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite scan exchange: %w", err)
		}
		exchange.ConversationID = models.ConversationID(id)
		result = append(result, &exchange)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite history rows: %w", err)
	}
	return result, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
