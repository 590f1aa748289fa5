package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/hibiki-ai/hibiki/internal/model"
)

// CreateConversation inserts a new conversation and its messages in one
// transaction. If another writer inserted the same external_id first, the
// returned error satisfies IsUniqueViolation and the caller should fall back
// to UpdateConversation.
func (db *DB) CreateConversation(ctx context.Context, conv *model.Conversation, msgs []model.Message) error {
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	return withTxRetry(ctx, func() error {
		return db.createConversationTx(ctx, conv, msgs)
	})
}

func (db *DB) createConversationTx(ctx context.Context, conv *model.Conversation, msgs []model.Message) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin create conversation: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (
			id, external_id, agent_id, status, started_at, ended_at,
			duration_seconds, summary, cost_units, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
	`, conv.ID, conv.ExternalID, conv.AgentID, conv.Status, conv.StartedAt, conv.EndedAt,
		conv.DurationSeconds, conv.Summary, conv.CostUnits)
	if err != nil {
		if IsUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("storage: insert conversation %s: %w", conv.ExternalID, err)
	}

	if err := replaceMessages(ctx, tx, conv.ID, msgs); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit create conversation: %w", err)
	}
	return nil
}

// UpdateConversation overwrites an existing conversation's mutable fields and
// replaces its message generation in one transaction. When the summary text
// differs from the stored one, the embedding and embedding_model columns are
// cleared so the sync engine regenerates them. Returns whether the summary
// changed and the conversation's internal id. Returns ErrNotFound if no row
// exists for the external id.
func (db *DB) UpdateConversation(ctx context.Context, conv *model.Conversation, msgs []model.Message) (summaryChanged bool, id uuid.UUID, err error) {
	err = withTxRetry(ctx, func() error {
		var txErr error
		summaryChanged, id, txErr = db.updateConversationTx(ctx, conv, msgs)
		return txErr
	})
	return summaryChanged, id, err
}

func (db *DB) updateConversationTx(ctx context.Context, conv *model.Conversation, msgs []model.Message) (summaryChanged bool, id uuid.UUID, err error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, uuid.Nil, fmt.Errorf("storage: begin update conversation: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var oldSummary *string
	err = tx.QueryRow(ctx,
		`SELECT id, summary FROM conversations WHERE external_id = $1 FOR UPDATE`,
		conv.ExternalID,
	).Scan(&id, &oldSummary)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, uuid.Nil, ErrNotFound
		}
		return false, uuid.Nil, fmt.Errorf("storage: lock conversation %s: %w", conv.ExternalID, err)
	}

	summaryChanged = !equalSummary(oldSummary, conv.Summary)

	if summaryChanged {
		_, err = tx.Exec(ctx, `
			UPDATE conversations SET
				agent_id = $2, status = $3, started_at = $4, ended_at = $5,
				duration_seconds = $6, summary = $7, cost_units = $8,
				embedding = NULL, embedding_model = NULL, updated_at = now()
			WHERE id = $1
		`, id, conv.AgentID, conv.Status, conv.StartedAt, conv.EndedAt,
			conv.DurationSeconds, conv.Summary, conv.CostUnits)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE conversations SET
				agent_id = $2, status = $3, started_at = $4, ended_at = $5,
				duration_seconds = $6, cost_units = $7, updated_at = now()
			WHERE id = $1
		`, id, conv.AgentID, conv.Status, conv.StartedAt, conv.EndedAt,
			conv.DurationSeconds, conv.CostUnits)
	}
	if err != nil {
		return false, uuid.Nil, fmt.Errorf("storage: update conversation %s: %w", conv.ExternalID, err)
	}

	if err := replaceMessages(ctx, tx, id, msgs); err != nil {
		return false, uuid.Nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, uuid.Nil, fmt.Errorf("storage: commit update conversation: %w", err)
	}
	conv.ID = id
	return summaryChanged, id, nil
}

func equalSummary(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// GetConversationByExternalID fetches a single conversation and its messages.
func (db *DB) GetConversationByExternalID(ctx context.Context, externalID string) (*model.Conversation, error) {
	conv, err := scanConversation(db.pool.QueryRow(ctx,
		selectConversationColumns+` FROM conversations WHERE external_id = $1`,
		externalID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get conversation %s: %w", externalID, err)
	}

	msgs, err := db.GetMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	conv.Messages = msgs
	return conv, nil
}

// ListConversations returns a page of conversations matching the filters,
// ordered by started_at descending, plus the total match count.
func (db *DB) ListConversations(ctx context.Context, filters model.ConversationFilters, limit, offset int) ([]model.Conversation, int, error) {
	where, args := buildConversationWhere(filters, nil)

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM conversations`+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count conversations: %w", err)
	}

	query := selectConversationColumns + ` FROM conversations` + where +
		fmt.Sprintf(` ORDER BY started_at DESC NULLS LAST, id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list conversations: %w", err)
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan conversation: %w", err)
		}
		out = append(out, *conv)
	}
	return out, total, rows.Err()
}

// ListSummariesInScope returns the summaries of conversations within the
// analysis scope, skipping rows without a summary. Used by the analysis
// orchestrator to assemble LLM input.
func (db *DB) ListSummariesInScope(ctx context.Context, scope model.AnalysisScope, limit int) ([]model.SummaryRow, error) {
	filters := model.ConversationFilters{
		AgentID:   scope.AgentID,
		StartDate: scope.StartDate,
		EndDate:   scope.EndDate,
	}
	where, args := buildConversationWhere(filters, []string{"summary IS NOT NULL"})

	query := `SELECT id, external_id, agent_id, summary, started_at FROM conversations` + where +
		fmt.Sprintf(` ORDER BY started_at DESC NULLS LAST, id LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list summaries: %w", err)
	}
	defer rows.Close()

	var out []model.SummaryRow
	for rows.Next() {
		var r model.SummaryRow
		if err := rows.Scan(&r.ConversationID, &r.ExternalID, &r.AgentID, &r.Summary, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("storage: scan summary row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SearchBySummary runs a cosine-similarity search over conversation summary
// embeddings. Scores are 1 - cosine distance, in [0, 1] for normalized
// vectors. Only vectors produced by embeddingModel participate: distances
// across models are meaningless. Filters are applied in the WHERE clause so
// the ANN index scan is already scoped. Results are ordered by score
// descending with started_at descending then id as tie-breaks.
func (db *DB) SearchBySummary(ctx context.Context, queryVec pgvector.Vector, embeddingModel string, filters model.ConversationFilters, limit int) ([]model.SearchCandidate, error) {
	conds, args := conversationConds(filters, []string{"embedding IS NOT NULL"})
	args = append(args, embeddingModel)
	conds = append(conds, fmt.Sprintf("embedding_model = $%d", len(args)))
	where := whereClause(conds)

	vecIdx := len(args) + 1
	limitIdx := len(args) + 2
	args = append(args, queryVec, limit)

	query := fmt.Sprintf(`
		SELECT id, external_id, 1 - (embedding <=> $%d) AS score, summary, started_at
		FROM conversations%s
		ORDER BY score DESC, started_at DESC NULLS LAST, id
		LIMIT $%d
	`, vecIdx, where, limitIdx)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: summary search: %w", err)
	}
	defer rows.Close()

	var out []model.SearchCandidate
	for rows.Next() {
		var c model.SearchCandidate
		var summary *string
		if err := rows.Scan(&c.ConversationID, &c.ExternalID, &c.Score, &summary, &c.StartedAt); err != nil {
			return nil, fmt.Errorf("storage: scan search candidate: %w", err)
		}
		if summary != nil {
			c.Summary = *summary
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateEmbedding stores a freshly generated summary embedding and stamps the
// model that produced it.
func (db *DB) UpdateEmbedding(ctx context.Context, id uuid.UUID, vec pgvector.Vector, embeddingModel string) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE conversations SET embedding = $2, embedding_model = $3, updated_at = now()
		WHERE id = $1
	`, id, vec, embeddingModel)
	if err != nil {
		return fmt.Errorf("storage: update embedding %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMissingEmbeddings returns conversations whose summary has no usable
// embedding for the given model: never embedded, or embedded by a different
// provider. Searches filter on embedding_model, so rows stamped with an old
// model are invisible until re-embedded; the startup backfill re-vectorizes
// both groups.
func (db *DB) ListMissingEmbeddings(ctx context.Context, embeddingModel string, limit int) ([]model.SummaryRow, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, external_id, agent_id, summary, started_at
		FROM conversations
		WHERE summary IS NOT NULL
		  AND (embedding IS NULL OR embedding_model IS DISTINCT FROM $1)
		ORDER BY started_at DESC NULLS LAST, id
		LIMIT $2
	`, embeddingModel, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list missing embeddings: %w", err)
	}
	defer rows.Close()

	var out []model.SummaryRow
	for rows.Next() {
		var r model.SummaryRow
		if err := rows.Scan(&r.ConversationID, &r.ExternalID, &r.AgentID, &r.Summary, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("storage: scan missing embedding row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const selectConversationColumns = `
	SELECT id, external_id, agent_id, status, started_at, ended_at,
	       duration_seconds, summary, cost_units, embedding_model,
	       created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(
		&c.ID, &c.ExternalID, &c.AgentID, &c.Status, &c.StartedAt, &c.EndedAt,
		&c.DurationSeconds, &c.Summary, &c.CostUnits, &c.EmbeddingModel,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// conversationConds renders the filter set into SQL predicates with
// positional parameters. extra holds raw predicates that take no parameters.
func conversationConds(f model.ConversationFilters, extra []string) ([]string, []any) {
	var conds []string
	var args []any
	conds = append(conds, extra...)

	if f.AgentID != "" {
		args = append(args, f.AgentID)
		conds = append(conds, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.StartDate != nil {
		args = append(args, *f.StartDate)
		conds = append(conds, fmt.Sprintf("started_at >= $%d", len(args)))
	}
	if f.EndDate != nil {
		args = append(args, *f.EndDate)
		conds = append(conds, fmt.Sprintf("started_at < $%d", len(args)))
	}
	return conds, args
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func buildConversationWhere(f model.ConversationFilters, extra []string) (string, []any) {
	conds, args := conversationConds(f, extra)
	return whereClause(conds), args
}
