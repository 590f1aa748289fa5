package model

import (
	"time"

	"github.com/google/uuid"
)

// ConversationFilters restricts structured queries over the corpus.
// Filters are applied at the data level (in the WHERE clause), never as a
// post-hoc trim of a fixed-size result.
type ConversationFilters struct {
	AgentID   string     `json:"agent_id,omitempty"`
	Status    *Status    `json:"status,omitempty"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
}

// SearchRequest is the request body for POST /v1/search.
type SearchRequest struct {
	Query     string     `json:"query"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	AgentID   string     `json:"agent_id,omitempty"`
	TopK      int        `json:"top_k,omitempty"`
}

// SearchCandidate is one ranked semantic-search hit. Score increases with
// relevance; ties are broken by most recent StartedAt.
type SearchCandidate struct {
	ConversationID string     `json:"conversation_id"`
	ExternalID     string     `json:"external_id"`
	Score          float32    `json:"score"`
	Summary        string     `json:"summary"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
}

// SummaryRow is a projection of a conversation down to its summary, used by
// the analysis orchestrator and the embedding backfill.
type SummaryRow struct {
	ConversationID uuid.UUID
	ExternalID     string
	AgentID        string
	Summary        string
	StartedAt      *time.Time
}

// NLQueryRequest is the request body for POST /v1/query.
type NLQueryRequest struct {
	Question string `json:"question"`
}

// NLQueryResult carries the rows plus the exact SQL that was executed, for
// auditability. On rejection ExecutedSQL is empty and Rejection explains why.
type NLQueryResult struct {
	Columns     []string         `json:"columns,omitempty"`
	Rows        []map[string]any `json:"rows"`
	ExecutedSQL string           `json:"executed_sql,omitempty"`
	Rejection   string           `json:"rejection,omitempty"`
}

// PagedResult wraps paginated list results.
type PagedResult[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}
