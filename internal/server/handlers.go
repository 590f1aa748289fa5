package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hibiki-ai/hibiki/internal/ingest"
	"github.com/hibiki-ai/hibiki/internal/model"
	"github.com/hibiki-ai/hibiki/internal/retrieval"
	"github.com/hibiki-ai/hibiki/internal/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// conversationStore is the slice of the storage layer the handlers read.
type conversationStore interface {
	Ping(ctx context.Context) error
	ListConversations(ctx context.Context, filters model.ConversationFilters, limit, offset int) ([]model.Conversation, int, error)
	GetConversationByExternalID(ctx context.Context, externalID string) (*model.Conversation, error)
	GetMessages(ctx context.Context, conversationID uuid.UUID) ([]model.Message, error)
	ListCursors(ctx context.Context) ([]model.SyncCursor, error)
	ResetCursor(ctx context.Context, agentID string) error
}

// syncRunner triggers sync runs.
type syncRunner interface {
	Run(ctx context.Context, agentID string, mode model.SyncMode) (*model.SyncSummary, error)
}

// searcher answers semantic search requests.
type searcher interface {
	FindSimilar(ctx context.Context, req model.SearchRequest) ([]model.SearchCandidate, error)
}

// analyzer runs LLM analytics over the corpus.
type analyzer interface {
	Analyze(ctx context.Context, scope model.AnalysisScope) (*model.AnalysisResult, error)
}

// questionAnswerer runs natural-language queries.
type questionAnswerer interface {
	Answer(ctx context.Context, question string) (*model.NLQueryResult, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  conversationStore
	engine              syncRunner
	retrieval           searcher
	analysis            analyzer
	nlquery             questionAnswerer
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Engine, Retrieval, Analysis, NLQuery.
type HandlersDeps struct {
	DB                  conversationStore
	Engine              syncRunner
	Retrieval           searcher
	Analysis            analyzer
	NLQuery             questionAnswerer
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		engine:              d.Engine,
		retrieval:           d.Retrieval,
		analysis:            d.Analysis,
		nlquery:             d.NLQuery,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, map[string]any{
		"status":         status,
		"version":        h.version,
		"postgres":       pgStatus,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

// HandleListConversations handles GET /v1/conversations.
func (h *Handlers) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filters := model.ConversationFilters{AgentID: q.Get("agent_id")}
	if s := q.Get("status"); s != "" {
		status := model.Status(s)
		if !model.ValidStatus(status) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "unknown status "+strconv.Quote(s))
			return
		}
		filters.Status = &status
	}
	var err error
	if filters.StartDate, err = parseTimeParam(q.Get("start_date")); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid start_date: "+err.Error())
		return
	}
	if filters.EndDate, err = parseTimeParam(q.Get("end_date")); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid end_date: "+err.Error())
		return
	}

	limit := parseIntParam(q.Get("limit"), defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := parseIntParam(q.Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	items, total, err := h.db.ListConversations(r.Context(), filters, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "list conversations failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.PagedResult[model.Conversation]{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// HandleGetConversation handles GET /v1/conversations/{external_id}.
// The response includes the full ordered transcript.
func (h *Handlers) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	externalID := r.PathValue("external_id")
	if externalID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "external_id is required")
		return
	}

	conv, err := h.db.GetConversationByExternalID(r.Context(), externalID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "conversation not found")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "get conversation failed", err)
		return
	}

	msgs, err := h.db.GetMessages(r.Context(), conv.ID)
	if err != nil {
		h.writeInternalError(w, r, "get messages failed", err)
		return
	}
	conv.Messages = msgs

	writeJSON(w, r, http.StatusOK, conv)
}

// HandleSearch handles POST /v1/search.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req model.SearchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	candidates, err := h.retrieval.FindSimilar(r.Context(), req)
	if errors.Is(err, retrieval.ErrEmptyQuery) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "query is required")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "search failed", err)
		return
	}
	if candidates == nil {
		candidates = []model.SearchCandidate{}
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"results": candidates})
}

// HandleAnalysis handles POST /v1/analysis.
func (h *Handlers) HandleAnalysis(w http.ResponseWriter, r *http.Request) {
	var scope model.AnalysisScope
	if err := decodeJSON(w, r, &scope, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !model.ValidAnalysisKind(scope.Kind) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest,
			"kind must be one of sentiment_over_time, themes, theme_sentiment, aggregate_sentiment")
		return
	}

	result, err := h.analysis.Analyze(r.Context(), scope)
	if err != nil {
		h.writeInternalError(w, r, "analysis failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, result)
}

// HandleNLQuery handles POST /v1/query.
func (h *Handlers) HandleNLQuery(w http.ResponseWriter, r *http.Request) {
	var req model.NLQueryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	result, err := h.nlquery.Answer(r.Context(), req.Question)
	if err != nil {
		h.writeInternalError(w, r, "nl query failed", err)
		return
	}

	// A rejected query is a well-formed answer; distinguish it by status so
	// clients don't have to inspect the body.
	status := http.StatusOK
	if result.Rejection != "" {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, r, status, result)
}

type syncRequest struct {
	AgentID string `json:"agent_id"`
	Mode    string `json:"mode,omitempty"`
}

// HandleSync handles POST /v1/sync. The run executes inline and the response
// carries its summary; a concurrent run for the same agent returns 409.
func (h *Handlers) HandleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.AgentID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "agent_id is required")
		return
	}

	mode := model.SyncIncremental
	switch req.Mode {
	case "", string(model.SyncIncremental):
	case string(model.SyncFull):
		mode = model.SyncFull
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "mode must be incremental or full")
		return
	}

	summary, err := h.engine.Run(r.Context(), req.AgentID, mode)
	if errors.Is(err, ingest.ErrSyncInProgress) {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "sync already in progress for this agent")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "sync failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, summary)
}

// HandleListCursors handles GET /v1/sync/cursors.
func (h *Handlers) HandleListCursors(w http.ResponseWriter, r *http.Request) {
	cursors, err := h.db.ListCursors(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "list cursors failed", err)
		return
	}
	if cursors == nil {
		cursors = []model.SyncCursor{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"cursors": cursors})
}

// HandleResetCursor handles DELETE /v1/sync/cursors/{agent_id}. The next
// incremental sync for the agent then re-walks from the beginning.
func (h *Handlers) HandleResetCursor(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if agentID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "agent_id is required")
		return
	}
	if err := h.db.ResetCursor(r.Context(), agentID); err != nil {
		h.writeInternalError(w, r, "reset cursor failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"agent_id": agentID, "reset": true})
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, msg)
}

func parseTimeParam(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseIntParam(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}
