// Package model defines the canonical domain types shared across Hibiki:
// conversations, messages, sync state, analysis results, and API payloads.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Status enumerates conversation lifecycle states as reported by the source platform.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ValidStatus reports whether s is a known conversation status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Conversation is one ingested voice-agent call.
//
// ExternalID is the stable identifier assigned by the source platform and is
// globally unique: re-ingesting the same ExternalID updates the existing row.
type Conversation struct {
	ID              uuid.UUID        `json:"id"`
	ExternalID      string           `json:"external_id"`
	AgentID         string           `json:"agent_id"`
	Status          Status           `json:"status"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	EndedAt         *time.Time       `json:"ended_at,omitempty"`
	DurationSeconds int              `json:"duration_seconds"`
	Summary         *string          `json:"summary,omitempty"`
	CostUnits       int              `json:"cost_units"`
	Embedding       *pgvector.Vector `json:"-"`
	EmbeddingModel  *string          `json:"-"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`

	// Joined data (populated by detail queries, not stored on the row).
	Messages []Message `json:"messages,omitempty"`
}

// Role enumerates who spoke a message turn.
type Role string

const (
	RoleAgent Role = "agent"
	RoleUser  Role = "user"
)

// Message is one turn within a conversation. Messages are written in bulk
// when a conversation is ingested or re-synced and never mutated afterward.
// SequenceIndex orders turns within a conversation; it comes from the source
// payload, never from arrival order.
type Message struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	Role           Role       `json:"role"`
	Content        string     `json:"content"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
	SequenceIndex  int        `json:"sequence_index"`
}

// SyncCursor tracks the last durably committed point of ingestion for one
// agent scope. Advanced only after its batch commits, so a crash mid-batch
// replays safely through the idempotent upsert.
type SyncCursor struct {
	AgentID        string     `json:"agent_id"`
	LastStartedAt  *time.Time `json:"last_started_at,omitempty"`
	LastExternalID *string    `json:"last_external_id,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// SyncMode selects how much of the source history a sync run covers.
type SyncMode string

const (
	// SyncIncremental resumes from the stored cursor.
	SyncIncremental SyncMode = "incremental"
	// SyncFull re-fetches from the beginning of time; the idempotent upsert
	// absorbs everything already present.
	SyncFull SyncMode = "full"
)

// SyncSummary reports the outcome of one sync run.
type SyncSummary struct {
	AgentID             string    `json:"agent_id"`
	Mode                SyncMode  `json:"mode"`
	Fetched             int       `json:"fetched"`
	Inserted            int       `json:"inserted"`
	Updated             int       `json:"updated"`
	Failed              int       `json:"failed"`
	EmbeddingsGenerated int       `json:"embeddings_generated"`
	StartedAt           time.Time `json:"started_at"`
	FinishedAt          time.Time `json:"finished_at"`
}
