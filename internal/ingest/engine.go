// Package ingest pulls conversations from the source platform into storage.
//
// The engine is the only writer of conversation data. Sync runs are idempotent:
// re-running over the same source window converges on the same stored state,
// so crashes and overlapping windows are recovered by simply syncing again.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/hibiki-ai/hibiki/internal/model"
	"github.com/hibiki-ai/hibiki/internal/retrieval"
	"github.com/hibiki-ai/hibiki/internal/service/embedding"
	"github.com/hibiki-ai/hibiki/internal/source"
	"github.com/hibiki-ai/hibiki/internal/storage"
)

// ErrSyncInProgress is returned when a sync is requested for an agent scope
// that already has one running. At most one sync per scope runs at a time.
var ErrSyncInProgress = errors.New("ingest: sync already in progress for this agent")

// sourceAPI is the slice of the source client the engine needs.
type sourceAPI interface {
	ListConversations(ctx context.Context, agentID string, cursor model.SyncCursor) (*source.Page, error)
}

// store is the slice of the storage layer the engine writes through.
type store interface {
	CreateConversation(ctx context.Context, conv *model.Conversation, msgs []model.Message) error
	UpdateConversation(ctx context.Context, conv *model.Conversation, msgs []model.Message) (bool, uuid.UUID, error)
	UpdateEmbedding(ctx context.Context, id uuid.UUID, vec pgvector.Vector, embeddingModel string) error
	GetCursor(ctx context.Context, agentID string) (model.SyncCursor, error)
	AdvanceCursor(ctx context.Context, cursor model.SyncCursor) error
}

// Invalidator drops cached analyses whose scope covers a changed conversation.
// The engine calls it after each committed page so analytics never serve
// results computed over a corpus that has since changed.
type Invalidator interface {
	InvalidateCovering(ctx context.Context, agentID string, ts time.Time) error
}

// VectorMirror receives a copy of freshly generated embeddings and drops
// points whose summaries were cleared. Used to keep an external Qdrant index
// in step with Postgres; mirror failures are logged, never fatal, since the
// index is rebuildable from stored summaries.
type VectorMirror interface {
	Upsert(ctx context.Context, points []retrieval.Point) error
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error
}

// Engine coordinates sync runs. Safe for concurrent use; concurrent runs for
// distinct agents proceed in parallel, a second run for the same agent is
// rejected with ErrSyncInProgress.
type Engine struct {
	source      sourceAPI
	store       store
	embedder    embedding.Provider
	invalidator Invalidator
	mirror      VectorMirror
	logger      *slog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithVectorMirror mirrors generated embeddings into an external vector index.
func WithVectorMirror(m VectorMirror) Option {
	return func(e *Engine) { e.mirror = m }
}

// New creates a sync engine. invalidator may be nil when no analysis cache is
// wired (tests, one-shot imports).
func New(src sourceAPI, st store, embedder embedding.Provider, invalidator Invalidator, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		source:      src,
		store:       st,
		embedder:    embedder,
		invalidator: invalidator,
		logger:      logger,
		running:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run syncs one agent scope and reports what happened. Incremental mode
// resumes from the stored cursor; full mode re-walks the agent's history from
// the beginning and lets the idempotent upsert absorb what is already stored.
//
// Cancellation is honored between pages: the current page commits, the cursor
// advances past it, and the run returns ctx.Err() with the partial summary.
func (e *Engine) Run(ctx context.Context, agentID string, mode model.SyncMode) (*model.SyncSummary, error) {
	if !e.acquire(agentID) {
		return nil, ErrSyncInProgress
	}
	defer e.release(agentID)

	summary := &model.SyncSummary{
		AgentID:   agentID,
		Mode:      mode,
		StartedAt: time.Now().UTC(),
	}
	defer func() { summary.FinishedAt = time.Now().UTC() }()

	cursor := model.SyncCursor{AgentID: agentID}
	if mode == model.SyncIncremental {
		var err error
		cursor, err = e.store.GetCursor(ctx, agentID)
		if err != nil {
			return summary, fmt.Errorf("ingest: load cursor: %w", err)
		}
	}

	e.logger.Info("sync started", "agent_id", agentID, "mode", mode)

	for {
		page, err := e.source.ListConversations(ctx, agentID, cursor)
		if err != nil {
			return summary, fmt.Errorf("ingest: fetch page: %w", err)
		}

		pageCursor, pageErr := e.processPage(ctx, agentID, page.Conversations, summary)

		// Advance over whatever committed, even when the page halted partway:
		// pageCursor stops at the last stored row, never past a failed one.
		if pageCursor.LastStartedAt != nil || pageCursor.LastExternalID != nil {
			cursor.LastStartedAt = pageCursor.LastStartedAt
			cursor.LastExternalID = pageCursor.LastExternalID
			if err := e.store.AdvanceCursor(ctx, cursor); err != nil {
				return summary, fmt.Errorf("ingest: advance cursor: %w", err)
			}
		}
		if pageErr != nil {
			return summary, pageErr
		}

		if !page.HasMore {
			break
		}
		if err := ctx.Err(); err != nil {
			e.logger.Info("sync cancelled at page boundary", "agent_id", agentID, "fetched", summary.Fetched)
			return summary, err
		}
	}

	e.logger.Info("sync finished",
		"agent_id", agentID, "mode", mode,
		"fetched", summary.Fetched, "inserted", summary.Inserted,
		"updated", summary.Updated, "failed", summary.Failed,
		"embeddings", summary.EmbeddingsGenerated)
	recordSyncResults(ctx, agentID, summary)
	return summary, nil
}

var syncMeter = otel.GetMeterProvider().Meter("hibiki/ingest")

func recordSyncResults(ctx context.Context, agentID string, summary *model.SyncSummary) {
	counter, err := syncMeter.Int64Counter("sync.conversations")
	if err != nil {
		return
	}
	for result, n := range map[string]int{
		"inserted": summary.Inserted,
		"updated":  summary.Updated,
		"failed":   summary.Failed,
	} {
		if n == 0 {
			continue
		}
		counter.Add(ctx, int64(n), otelmetric.WithAttributes(
			attribute.String("agent_id", agentID),
			attribute.String("result", result),
		))
	}
}

// pendingEmbed is a conversation whose summary needs a fresh vector.
type pendingEmbed struct {
	id         uuid.UUID
	externalID string
	agentID    string
	startedAt  *time.Time
	summary    string
}

// processPage upserts one page of raw conversations and returns the cursor
// position covering the rows that committed. A store failure halts the page
// there: the returned cursor stops at the last stored conversation, so the
// next incremental run replays the failed one. Embeddings, mirror updates,
// and cache invalidations for the committed rows still land before returning.
func (e *Engine) processPage(ctx context.Context, agentID string, raws []source.RawConversation, summary *model.SyncSummary) (model.SyncCursor, error) {
	var cursor model.SyncCursor
	var pending []pendingEmbed
	var cleared []uuid.UUID
	var changed []time.Time
	var haltErr error

	for _, raw := range raws {
		summary.Fetched++

		conv, msgs, err := source.Normalize(raw, e.logger)
		if err != nil {
			summary.Failed++
			e.logger.Warn("skipping malformed conversation", "external_id", raw.ExternalID, "error", err)
			continue
		}

		inserted, summaryChanged, err := e.upsert(ctx, &conv, msgs)
		if err != nil {
			summary.Failed++
			e.logger.Error("upsert failed, halting page", "external_id", conv.ExternalID, "error", err)
			haltErr = fmt.Errorf("ingest: upsert %s: %w", conv.ExternalID, err)
			break
		}
		if inserted {
			summary.Inserted++
		} else {
			summary.Updated++
		}

		if conv.Summary != nil && (inserted || summaryChanged) {
			pending = append(pending, pendingEmbed{
				id:         conv.ID,
				externalID: conv.ExternalID,
				agentID:    conv.AgentID,
				startedAt:  conv.StartedAt,
				summary:    *conv.Summary,
			})
		}
		if conv.Summary == nil && summaryChanged {
			// The source withdrew the summary; the row's embedding was
			// cleared, so the mirrored point has to go too.
			cleared = append(cleared, conv.ID)
		}
		if conv.StartedAt != nil {
			changed = append(changed, *conv.StartedAt)
			cursor.LastStartedAt = conv.StartedAt
		}
		extID := conv.ExternalID
		cursor.LastExternalID = &extID
	}

	if n, err := e.embedPending(ctx, pending); err != nil {
		// Embeddings are regenerable from stored summaries; log and move on
		// rather than failing the page.
		e.logger.Error("embedding pass failed", "agent_id", agentID, "error", err)
	} else {
		summary.EmbeddingsGenerated += n
	}

	if e.mirror != nil && len(cleared) > 0 {
		if err := e.mirror.DeleteByIDs(ctx, cleared); err != nil {
			e.logger.Warn("vector index delete failed", "points", len(cleared), "error", err)
		}
	}

	e.invalidate(ctx, agentID, changed)
	return cursor, haltErr
}

// upsert runs the insert-first state machine. A unique violation on insert
// means another writer (or an earlier run) got there first; the update path
// then takes a row lock, so two racing syncs of the same conversation
// serialize instead of erroring.
func (e *Engine) upsert(ctx context.Context, conv *model.Conversation, msgs []model.Message) (inserted, summaryChanged bool, err error) {
	err = e.store.CreateConversation(ctx, conv, msgs)
	if err == nil {
		return true, false, nil
	}
	if !storage.IsUniqueViolation(err) {
		return false, false, err
	}

	summaryChanged, _, err = e.store.UpdateConversation(ctx, conv, msgs)
	if errors.Is(err, storage.ErrNotFound) {
		// The conflicting row vanished between insert and update. One more
		// insert attempt; a second conflict is a genuine error.
		if err = e.store.CreateConversation(ctx, conv, msgs); err != nil {
			return false, false, err
		}
		return true, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return false, summaryChanged, nil
}

// embedPending generates vectors for summaries that are new or changed and
// stores them stamped with the provider's model.
func (e *Engine) embedPending(ctx context.Context, pending []pendingEmbed) (int, error) {
	if len(pending) == 0 || e.embedder == nil {
		return 0, nil
	}

	texts := make([]string, len(pending))
	for i, p := range pending {
		texts[i] = p.summary
	}

	vecs, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("ingest: embed batch: %w", err)
	}

	n := 0
	var mirrored []retrieval.Point
	for i, p := range pending {
		if err := e.store.UpdateEmbedding(ctx, p.id, vecs[i], e.embedder.Model()); err != nil {
			e.logger.Error("store embedding failed", "conversation_id", p.id, "error", err)
			continue
		}
		n++
		if e.mirror != nil {
			mirrored = append(mirrored, retrieval.Point{
				ID:             p.id,
				ExternalID:     p.externalID,
				AgentID:        p.agentID,
				EmbeddingModel: e.embedder.Model(),
				StartedAt:      p.startedAt,
				Summary:        p.summary,
				Embedding:      vecs[i].Slice(),
			})
		}
	}

	if e.mirror != nil && len(mirrored) > 0 {
		if err := e.mirror.Upsert(ctx, mirrored); err != nil {
			e.logger.Warn("vector index mirror failed", "points", len(mirrored), "error", err)
		}
	}
	return n, nil
}

// invalidate drops cached analyses covering any of the changed timestamps.
// Duplicate days collapse to one call.
func (e *Engine) invalidate(ctx context.Context, agentID string, changed []time.Time) {
	if e.invalidator == nil || len(changed) == 0 {
		return
	}
	seen := make(map[string]bool, len(changed))
	for _, ts := range changed {
		day := ts.UTC().Format("2006-01-02")
		if seen[day] {
			continue
		}
		seen[day] = true
		if err := e.invalidator.InvalidateCovering(ctx, agentID, ts); err != nil {
			e.logger.Warn("cache invalidation failed", "agent_id", agentID, "ts", ts, "error", err)
		}
	}
}

func (e *Engine) acquire(agentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[agentID] {
		return false
	}
	e.running[agentID] = true
	return true
}

func (e *Engine) release(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, agentID)
}
