package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hibiki-ai/hibiki/internal/model"
)

// GetCursor returns the sync cursor for an agent. A zero-valued cursor (never
// synced) is returned without error when no row exists.
func (db *DB) GetCursor(ctx context.Context, agentID string) (model.SyncCursor, error) {
	var c model.SyncCursor
	err := db.pool.QueryRow(ctx, `
		SELECT agent_id, last_started_at, last_external_id, updated_at
		FROM sync_cursors WHERE agent_id = $1
	`, agentID).Scan(&c.AgentID, &c.LastStartedAt, &c.LastExternalID, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SyncCursor{AgentID: agentID}, nil
		}
		return model.SyncCursor{}, fmt.Errorf("storage: get cursor %s: %w", agentID, err)
	}
	return c, nil
}

// ListCursors returns every agent's sync cursor.
func (db *DB) ListCursors(ctx context.Context) ([]model.SyncCursor, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT agent_id, last_started_at, last_external_id, updated_at
		FROM sync_cursors ORDER BY agent_id
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: list cursors: %w", err)
	}
	defer rows.Close()

	var out []model.SyncCursor
	for rows.Next() {
		var c model.SyncCursor
		if err := rows.Scan(&c.AgentID, &c.LastStartedAt, &c.LastExternalID, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan cursor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AdvanceCursor records sync progress for an agent. The cursor only ever moves
// after the page it points past has been committed, so a crash between pages
// re-fetches at most one page.
func (db *DB) AdvanceCursor(ctx context.Context, cursor model.SyncCursor) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO sync_cursors (agent_id, last_started_at, last_external_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (agent_id) DO UPDATE SET
			last_started_at = EXCLUDED.last_started_at,
			last_external_id = EXCLUDED.last_external_id,
			updated_at = now()
	`, cursor.AgentID, cursor.LastStartedAt, cursor.LastExternalID)
	if err != nil {
		return fmt.Errorf("storage: advance cursor %s: %w", cursor.AgentID, err)
	}
	return nil
}

// ResetCursor removes an agent's cursor so the next sync starts from the
// beginning. Used by full resyncs.
func (db *DB) ResetCursor(ctx context.Context, agentID string) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM sync_cursors WHERE agent_id = $1`, agentID,
	); err != nil {
		return fmt.Errorf("storage: reset cursor %s: %w", agentID, err)
	}
	return nil
}
