package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hibiki-ai/hibiki/internal/ingest"
	"github.com/hibiki-ai/hibiki/internal/model"
	"github.com/hibiki-ai/hibiki/internal/retrieval"
	"github.com/hibiki-ai/hibiki/internal/storage"
)

type fakeStore struct {
	pingErr       error
	conversations []model.Conversation
	messages      map[uuid.UUID][]model.Message
	cursors       []model.SyncCursor
	resetAgent    string
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) ListConversations(_ context.Context, filters model.ConversationFilters, limit, offset int) ([]model.Conversation, int, error) {
	var out []model.Conversation
	for _, c := range f.conversations {
		if filters.AgentID != "" && c.AgentID != filters.AgentID {
			continue
		}
		if filters.Status != nil && c.Status != *filters.Status {
			continue
		}
		out = append(out, c)
	}
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (f *fakeStore) GetConversationByExternalID(_ context.Context, externalID string) (*model.Conversation, error) {
	for _, c := range f.conversations {
		if c.ExternalID == externalID {
			conv := c
			return &conv, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) GetMessages(_ context.Context, conversationID uuid.UUID) ([]model.Message, error) {
	return f.messages[conversationID], nil
}

func (f *fakeStore) ListCursors(context.Context) ([]model.SyncCursor, error) {
	return f.cursors, nil
}

func (f *fakeStore) ResetCursor(_ context.Context, agentID string) error {
	f.resetAgent = agentID
	return nil
}

type fakeEngine struct {
	summary *model.SyncSummary
	err     error
	gotMode model.SyncMode
}

func (f *fakeEngine) Run(_ context.Context, agentID string, mode model.SyncMode) (*model.SyncSummary, error) {
	f.gotMode = mode
	if f.err != nil {
		return nil, f.err
	}
	s := *f.summary
	s.AgentID = agentID
	return &s, nil
}

type fakeSearcher struct {
	results []model.SearchCandidate
	err     error
}

func (f *fakeSearcher) FindSimilar(context.Context, model.SearchRequest) ([]model.SearchCandidate, error) {
	return f.results, f.err
}

type fakeAnalyzer struct {
	result *model.AnalysisResult
	err    error
}

func (f *fakeAnalyzer) Analyze(_ context.Context, scope model.AnalysisScope) (*model.AnalysisResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	r := *f.result
	r.Kind = scope.Kind
	return &r, nil
}

type fakeNLQuery struct {
	result *model.NLQueryResult
	err    error
}

func (f *fakeNLQuery) Answer(context.Context, string) (*model.NLQueryResult, error) {
	return f.result, f.err
}

type serverDeps struct {
	store    *fakeStore
	engine   *fakeEngine
	searcher *fakeSearcher
	analyzer *fakeAnalyzer
	nlquery  *fakeNLQuery
}

func newTestServer(t *testing.T, token string) (*httptest.Server, *serverDeps) {
	t.Helper()

	convID := uuid.New()
	started := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	deps := &serverDeps{
		store: &fakeStore{
			conversations: []model.Conversation{
				{ID: convID, ExternalID: "conv_1", AgentID: "agent_a", Status: model.StatusCompleted, StartedAt: &started},
				{ID: uuid.New(), ExternalID: "conv_2", AgentID: "agent_b", Status: model.StatusFailed},
			},
			messages: map[uuid.UUID][]model.Message{
				convID: {
					{ConversationID: convID, Role: model.RoleUser, Content: "hello", SequenceIndex: 0},
					{ConversationID: convID, Role: model.RoleAgent, Content: "hi there", SequenceIndex: 1},
				},
			},
			cursors: []model.SyncCursor{{AgentID: "agent_a", LastStartedAt: &started}},
		},
		engine:   &fakeEngine{summary: &model.SyncSummary{Fetched: 3, Inserted: 2, Updated: 1}},
		searcher: &fakeSearcher{results: []model.SearchCandidate{{ExternalID: "conv_1", Score: 0.9, Summary: "billing question"}}},
		analyzer: &fakeAnalyzer{result: &model.AnalysisResult{Items: []model.AnalysisItem{{Sentiment: "positive", Score: 0.4, Count: 3}}}},
		nlquery:  &fakeNLQuery{result: &model.NLQueryResult{Columns: []string{"n"}, Rows: []map[string]any{{"n": 42}}, ExecutedSQL: "SELECT * FROM (SELECT count(*) AS n FROM conversations) q LIMIT 500"}},
	}

	srv := New(ServerConfig{
		DB:                  deps.store,
		Engine:              deps.engine,
		Retrieval:           deps.searcher,
		Analysis:            deps.analyzer,
		NLQuery:             deps.nlquery,
		Logger:              slog.New(slog.DiscardHandler),
		APIToken:            token,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, deps
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	envelope := map[string]json.RawMessage{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return resp, envelope
}

func TestHealthOpenWithoutAuth(t *testing.T) {
	ts, _ := newTestServer(t, "secret")

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequiredForAPI(t *testing.T) {
	ts, _ := newTestServer(t, "secret")

	resp, err := http.Get(ts.URL + "/v1/conversations")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp2, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/conversations", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	resp3, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/conversations", "secret", nil)
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestAuthDisabledWithEmptyToken(t *testing.T) {
	ts, _ := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/v1/conversations")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListConversationsFiltersAndEnvelope(t *testing.T) {
	ts, _ := newTestServer(t, "secret")

	resp, envelope := doJSON(t, http.MethodGet, ts.URL+"/v1/conversations?agent_id=agent_a", "secret", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var page model.PagedResult[model.Conversation]
	require.NoError(t, json.Unmarshal(envelope["data"], &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "conv_1", page.Items[0].ExternalID)
	assert.Equal(t, 1, page.Total)

	var meta model.ResponseMeta
	require.NoError(t, json.Unmarshal(envelope["meta"], &meta))
	assert.NotEmpty(t, meta.RequestID)
}

func TestListConversationsRejectsBadStatus(t *testing.T) {
	ts, _ := newTestServer(t, "secret")

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/conversations?status=bogus", "secret", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetConversationIncludesTranscript(t *testing.T) {
	ts, _ := newTestServer(t, "secret")

	resp, envelope := doJSON(t, http.MethodGet, ts.URL+"/v1/conversations/conv_1", "secret", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var conv model.Conversation
	require.NoError(t, json.Unmarshal(envelope["data"], &conv))
	assert.Equal(t, "conv_1", conv.ExternalID)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, model.RoleUser, conv.Messages[0].Role)
}

func TestGetConversationNotFound(t *testing.T) {
	ts, _ := newTestServer(t, "secret")

	resp, envelope := doJSON(t, http.MethodGet, ts.URL+"/v1/conversations/nope", "secret", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var detail model.ErrorDetail
	require.NoError(t, json.Unmarshal(envelope["error"], &detail))
	assert.Equal(t, model.ErrCodeNotFound, detail.Code)
}

func TestSearchEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "secret")

	resp, envelope := doJSON(t, http.MethodPost, ts.URL+"/v1/search", "secret",
		model.SearchRequest{Query: "billing", TopK: 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var data struct {
		Results []model.SearchCandidate `json:"results"`
	}
	require.NoError(t, json.Unmarshal(envelope["data"], &data))
	require.Len(t, data.Results, 1)
	assert.Equal(t, "conv_1", data.Results[0].ExternalID)
}

func TestSearchEmptyQueryIsBadRequest(t *testing.T) {
	ts, deps := newTestServer(t, "secret")
	deps.searcher.err = retrieval.ErrEmptyQuery

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/search", "secret", model.SearchRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAnalysisEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "secret")

	resp, envelope := doJSON(t, http.MethodPost, ts.URL+"/v1/analysis", "secret",
		map[string]any{"kind": "aggregate_sentiment", "agent_id": "agent_a"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result model.AnalysisResult
	require.NoError(t, json.Unmarshal(envelope["data"], &result))
	assert.Equal(t, model.KindAggregateSentiment, result.Kind)
	require.Len(t, result.Items, 1)
}

func TestAnalysisRejectsUnknownKind(t *testing.T) {
	ts, _ := newTestServer(t, "secret")

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/analysis", "secret",
		map[string]any{"kind": "vibes"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNLQueryEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "secret")

	resp, envelope := doJSON(t, http.MethodPost, ts.URL+"/v1/query", "secret",
		model.NLQueryRequest{Question: "how many conversations"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result model.NLQueryResult
	require.NoError(t, json.Unmarshal(envelope["data"], &result))
	assert.NotEmpty(t, result.ExecutedSQL)
	require.Len(t, result.Rows, 1)
}

func TestNLQueryRejectionIsUnprocessable(t *testing.T) {
	ts, deps := newTestServer(t, "secret")
	deps.nlquery.result = &model.NLQueryResult{Rejection: "keyword \"DELETE\" is not allowed", Rows: []map[string]any{}}

	resp, envelope := doJSON(t, http.MethodPost, ts.URL+"/v1/query", "secret",
		model.NLQueryRequest{Question: "delete everything"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var result model.NLQueryResult
	require.NoError(t, json.Unmarshal(envelope["data"], &result))
	assert.NotEmpty(t, result.Rejection)
	assert.Empty(t, result.ExecutedSQL)
}

func TestSyncEndpoint(t *testing.T) {
	ts, deps := newTestServer(t, "secret")

	resp, envelope := doJSON(t, http.MethodPost, ts.URL+"/v1/sync", "secret",
		map[string]any{"agent_id": "agent_a", "mode": "full"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.SyncFull, deps.engine.gotMode)

	var summary model.SyncSummary
	require.NoError(t, json.Unmarshal(envelope["data"], &summary))
	assert.Equal(t, "agent_a", summary.AgentID)
	assert.Equal(t, 3, summary.Fetched)
}

func TestSyncConflictWhenAlreadyRunning(t *testing.T) {
	ts, deps := newTestServer(t, "secret")
	deps.engine.err = ingest.ErrSyncInProgress

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/sync", "secret",
		map[string]any{"agent_id": "agent_a"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSyncValidation(t *testing.T) {
	ts, _ := newTestServer(t, "secret")

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/sync", "secret", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sync", "secret",
		map[string]any{"agent_id": "agent_a", "mode": "sideways"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCursorsEndpoints(t *testing.T) {
	ts, deps := newTestServer(t, "secret")

	resp, envelope := doJSON(t, http.MethodGet, ts.URL+"/v1/sync/cursors", "secret", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var data struct {
		Cursors []model.SyncCursor `json:"cursors"`
	}
	require.NoError(t, json.Unmarshal(envelope["data"], &data))
	require.Len(t, data.Cursors, 1)

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/v1/sync/cursors/agent_a", "secret", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "agent_a", deps.store.resetAgent)
}

func TestHealthReportsUnhealthyDatabase(t *testing.T) {
	ts, deps := newTestServer(t, "")
	deps.store.pingErr = errors.New("connection refused")

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	ts, _ := newTestServer(t, "secret")

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/search", "secret",
		map[string]any{"query": "x", "surprise": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRecoveryMiddlewareConvertsPanics(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	handler := requestIDMiddleware(recoveryMiddleware(slog.New(slog.DiscardHandler), panicking))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
