package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hibiki-ai/hibiki/internal/model"
)

// replaceMessages swaps a conversation's message generation inside the
// caller's transaction: delete the old rows, then bulk-insert the new ones
// with COPY. Readers never observe a partially replaced transcript because
// both steps commit together.
func replaceMessages(ctx context.Context, tx pgx.Tx, conversationID uuid.UUID, msgs []model.Message) error {
	if _, err := tx.Exec(ctx,
		`DELETE FROM messages WHERE conversation_id = $1`, conversationID,
	); err != nil {
		return fmt.Errorf("storage: delete messages for %s: %w", conversationID, err)
	}

	if len(msgs) == 0 {
		return nil
	}

	rows := make([][]any, len(msgs))
	for i, m := range msgs {
		id := m.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		rows[i] = []any{id, conversationID, m.Role, m.Content, m.Timestamp, m.SequenceIndex}
	}

	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"messages"},
		[]string{"id", "conversation_id", "role", "content", "ts", "sequence_index"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("storage: copy messages for %s: %w", conversationID, err)
	}
	return nil
}

// GetMessages returns a conversation's transcript in turn order.
func (db *DB) GetMessages(ctx context.Context, conversationID uuid.UUID) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, ts, sequence_index
		FROM messages
		WHERE conversation_id = $1
		ORDER BY sequence_index ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("storage: get messages for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Timestamp, &m.SequenceIndex); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
