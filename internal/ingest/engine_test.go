package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hibiki-ai/hibiki/internal/model"
	"github.com/hibiki-ai/hibiki/internal/retrieval"
	"github.com/hibiki-ai/hibiki/internal/service/embedding"
	"github.com/hibiki-ai/hibiki/internal/source"
	"github.com/hibiki-ai/hibiki/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type storedConv struct {
	conv model.Conversation
	msgs []model.Message
}

type fakeStore struct {
	mu       sync.Mutex
	byExt    map[string]*storedConv
	cursors  map[string]model.SyncCursor
	embeds   map[uuid.UUID]string
	advances int

	// failExt makes writes for one external id fail with failErr.
	failExt string
	failErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byExt:   make(map[string]*storedConv),
		cursors: make(map[string]model.SyncCursor),
		embeds:  make(map[uuid.UUID]string),
	}
}

func uniqueViolation() error {
	return &pgconn.PgError{Code: "23505"}
}

func (s *fakeStore) CreateConversation(_ context.Context, conv *model.Conversation, msgs []model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil && conv.ExternalID == s.failExt {
		return s.failErr
	}
	if _, ok := s.byExt[conv.ExternalID]; ok {
		return uniqueViolation()
	}
	conv.ID = uuid.New()
	s.byExt[conv.ExternalID] = &storedConv{conv: *conv, msgs: msgs}
	return nil
}

func (s *fakeStore) UpdateConversation(_ context.Context, conv *model.Conversation, msgs []model.Message) (bool, uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byExt[conv.ExternalID]
	if !ok {
		return false, uuid.Nil, storage.ErrNotFound
	}
	changed := !equalStr(existing.conv.Summary, conv.Summary)
	conv.ID = existing.conv.ID
	s.byExt[conv.ExternalID] = &storedConv{conv: *conv, msgs: msgs}
	if changed {
		delete(s.embeds, conv.ID)
	}
	return changed, conv.ID, nil
}

func equalStr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *fakeStore) UpdateEmbedding(_ context.Context, id uuid.UUID, _ pgvector.Vector, embeddingModel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeds[id] = embeddingModel
	return nil
}

func (s *fakeStore) GetCursor(_ context.Context, agentID string) (model.SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cursors[agentID]; ok {
		return c, nil
	}
	return model.SyncCursor{AgentID: agentID}, nil
}

func (s *fakeStore) AdvanceCursor(_ context.Context, cursor model.SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[cursor.AgentID] = cursor
	s.advances++
	return nil
}

type fakeSource struct {
	mu         sync.Mutex
	pages      [][]source.RawConversation
	call       int
	cursors    []model.SyncCursor
	block      chan struct{}
	blockAgent string
}

func (f *fakeSource) ListConversations(ctx context.Context, agentID string, cursor model.SyncCursor) (*source.Page, error) {
	if f.block != nil && (f.blockAgent == "" || f.blockAgent == agentID) {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, cursor)
	if f.call >= len(f.pages) {
		return &source.Page{}, nil
	}
	page := &source.Page{
		Conversations: f.pages[f.call],
		HasMore:       f.call < len(f.pages)-1,
	}
	f.call++
	return page, nil
}

type fakeInvalidator struct {
	mu    sync.Mutex
	calls []time.Time
}

func (f *fakeInvalidator) InvalidateCovering(_ context.Context, _ string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ts)
	return nil
}

type fakeMirror struct {
	mu       sync.Mutex
	upserted []retrieval.Point
	deleted  []uuid.UUID
}

func (f *fakeMirror) Upsert(_ context.Context, points []retrieval.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, points...)
	return nil
}

func (f *fakeMirror) DeleteByIDs(_ context.Context, ids []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids...)
	return nil
}

func rawConv(extID string, startedAt time.Time, summary string) source.RawConversation {
	s := summary
	return source.RawConversation{
		ExternalID: extID,
		AgentID:    "agent_a",
		Status:     "completed",
		StartedAt:  &startedAt,
		Summary:    &s,
		Turns: []source.RawTurn{
			{Role: "agent", Content: "hello", SequenceIndex: 0},
			{Role: "user", Content: "hi", SequenceIndex: 1},
		},
	}
}

func TestRunInsertsAndEmbeds(t *testing.T) {
	t0 := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{pages: [][]source.RawConversation{{
		rawConv("conv_1", t0, "billing question"),
		rawConv("conv_2", t0.Add(time.Hour), "password reset"),
	}}}
	st := newFakeStore()
	inv := &fakeInvalidator{}
	eng := New(src, st, embedding.NewNoopProvider(3), inv, discardLogger())

	sum, err := eng.Run(context.Background(), "agent_a", model.SyncIncremental)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Fetched)
	assert.Equal(t, 2, sum.Inserted)
	assert.Equal(t, 0, sum.Updated)
	assert.Equal(t, 2, sum.EmbeddingsGenerated)
	assert.Len(t, st.byExt, 2)
	assert.Len(t, st.embeds, 2)
	for _, m := range st.embeds {
		assert.Equal(t, "noop", m)
	}
	assert.Len(t, inv.calls, 2)

	cursor := st.cursors["agent_a"]
	require.NotNil(t, cursor.LastExternalID)
	assert.Equal(t, "conv_2", *cursor.LastExternalID)
}

func TestRunIsIdempotent(t *testing.T) {
	t0 := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	page := []source.RawConversation{
		rawConv("conv_1", t0, "billing question"),
		rawConv("conv_2", t0.Add(time.Hour), "password reset"),
	}
	st := newFakeStore()
	eng := New(&fakeSource{pages: [][]source.RawConversation{page}}, st,
		embedding.NewNoopProvider(3), nil, discardLogger())

	_, err := eng.Run(context.Background(), "agent_a", model.SyncFull)
	require.NoError(t, err)
	firstIDs := map[string]uuid.UUID{}
	for ext, sc := range st.byExt {
		firstIDs[ext] = sc.conv.ID
	}

	// Second full run over the same source data: no new rows, no duplicates,
	// identical internal ids, and no re-embedding since summaries are unchanged.
	eng2 := New(&fakeSource{pages: [][]source.RawConversation{page}}, st,
		embedding.NewNoopProvider(3), nil, discardLogger())
	sum, err := eng2.Run(context.Background(), "agent_a", model.SyncFull)
	require.NoError(t, err)

	assert.Equal(t, 0, sum.Inserted)
	assert.Equal(t, 2, sum.Updated)
	assert.Equal(t, 0, sum.EmbeddingsGenerated)
	assert.Len(t, st.byExt, 2)
	for ext, sc := range st.byExt {
		assert.Equal(t, firstIDs[ext], sc.conv.ID)
	}
}

func TestRunDuplicateKeyRaceFallsBackToUpdate(t *testing.T) {
	t0 := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	st := newFakeStore()

	// Another writer already inserted conv_1.
	seed := rawConv("conv_1", t0, "old summary")
	conv, msgs, err := source.Normalize(seed, discardLogger())
	require.NoError(t, err)
	require.NoError(t, st.CreateConversation(context.Background(), &conv, msgs))

	src := &fakeSource{pages: [][]source.RawConversation{{
		rawConv("conv_1", t0, "new summary"),
	}}}
	eng := New(src, st, embedding.NewNoopProvider(3), nil, discardLogger())

	sum, err := eng.Run(context.Background(), "agent_a", model.SyncFull)
	require.NoError(t, err)

	assert.Equal(t, 0, sum.Inserted)
	assert.Equal(t, 1, sum.Updated)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 1, sum.EmbeddingsGenerated) // summary changed, re-embedded
	require.NotNil(t, st.byExt["conv_1"].conv.Summary)
	assert.Equal(t, "new summary", *st.byExt["conv_1"].conv.Summary)
}

func TestRunSkipsMalformedAndContinues(t *testing.T) {
	t0 := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{pages: [][]source.RawConversation{{
		{AgentID: "agent_a", Status: "completed"}, // no external id
		rawConv("conv_ok", t0, "fine"),
	}}}
	st := newFakeStore()
	eng := New(src, st, embedding.NewNoopProvider(3), nil, discardLogger())

	sum, err := eng.Run(context.Background(), "agent_a", model.SyncFull)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Fetched)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Inserted)
	assert.Len(t, st.byExt, 1)
}

func TestRunStoreFailureHaltsPageBeforeCursor(t *testing.T) {
	t0 := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	st := newFakeStore()
	st.failExt = "conv_2"
	st.failErr = errors.New("connection reset")

	src := &fakeSource{pages: [][]source.RawConversation{{
		rawConv("conv_1", t0, "one"),
		rawConv("conv_2", t0.Add(time.Hour), "two"),
		rawConv("conv_3", t0.Add(2*time.Hour), "three"),
	}}}
	eng := New(src, st, embedding.NewNoopProvider(3), nil, discardLogger())

	sum, err := eng.Run(context.Background(), "agent_a", model.SyncFull)
	require.Error(t, err)

	assert.Equal(t, 1, sum.Inserted)
	assert.Equal(t, 1, sum.Failed)
	assert.Len(t, st.byExt, 1)

	// The cursor stops at conv_1: conv_2 never flushed, so the next
	// incremental run must refetch it.
	cursor := st.cursors["agent_a"]
	require.NotNil(t, cursor.LastExternalID)
	assert.Equal(t, "conv_1", *cursor.LastExternalID)

	// Once the store recovers, an incremental run replays the rest.
	st.failErr = nil
	retry := New(&fakeSource{pages: [][]source.RawConversation{{
		rawConv("conv_2", t0.Add(time.Hour), "two"),
		rawConv("conv_3", t0.Add(2*time.Hour), "three"),
	}}}, st, embedding.NewNoopProvider(3), nil, discardLogger())

	sum, err = retry.Run(context.Background(), "agent_a", model.SyncIncremental)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Inserted)
	assert.Len(t, st.byExt, 3)
	require.NotNil(t, st.cursors["agent_a"].LastExternalID)
	assert.Equal(t, "conv_3", *st.cursors["agent_a"].LastExternalID)
}

func TestRunIncrementalResumesFromCursor(t *testing.T) {
	t0 := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	st := newFakeStore()
	ext := "conv_5"
	st.cursors["agent_a"] = model.SyncCursor{
		AgentID:        "agent_a",
		LastStartedAt:  &t0,
		LastExternalID: &ext,
	}

	src := &fakeSource{pages: [][]source.RawConversation{{
		rawConv("conv_6", t0.Add(time.Hour), "next one"),
	}}}
	eng := New(src, st, embedding.NewNoopProvider(3), nil, discardLogger())

	_, err := eng.Run(context.Background(), "agent_a", model.SyncIncremental)
	require.NoError(t, err)

	require.NotEmpty(t, src.cursors)
	require.NotNil(t, src.cursors[0].LastStartedAt)
	assert.True(t, src.cursors[0].LastStartedAt.Equal(t0))
	require.NotNil(t, src.cursors[0].LastExternalID)
	assert.Equal(t, "conv_5", *src.cursors[0].LastExternalID)
}

func TestRunFullModeIgnoresCursor(t *testing.T) {
	t0 := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	st := newFakeStore()
	ext := "conv_5"
	st.cursors["agent_a"] = model.SyncCursor{AgentID: "agent_a", LastStartedAt: &t0, LastExternalID: &ext}

	src := &fakeSource{pages: [][]source.RawConversation{{}}}
	eng := New(src, st, embedding.NewNoopProvider(3), nil, discardLogger())

	_, err := eng.Run(context.Background(), "agent_a", model.SyncFull)
	require.NoError(t, err)

	require.NotEmpty(t, src.cursors)
	assert.Nil(t, src.cursors[0].LastStartedAt)
	assert.Nil(t, src.cursors[0].LastExternalID)
}

func TestRunRejectsConcurrentSameScope(t *testing.T) {
	block := make(chan struct{})
	src := &fakeSource{
		pages:      [][]source.RawConversation{{}},
		block:      block,
		blockAgent: "agent_a",
	}
	st := newFakeStore()
	eng := New(src, st, embedding.NewNoopProvider(3), nil, discardLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = eng.Run(context.Background(), "agent_a", model.SyncFull)
	}()

	// Wait until the first run holds the scope.
	require.Eventually(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return eng.running["agent_a"]
	}, time.Second, time.Millisecond)

	_, err := eng.Run(context.Background(), "agent_a", model.SyncFull)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	// A different scope proceeds even while agent_a is running.
	_, err = eng.Run(context.Background(), "agent_b", model.SyncFull)
	assert.NoError(t, err)

	close(block)
	<-done

	// And the scope frees up after the run completes.
	_, err = eng.Run(context.Background(), "agent_a", model.SyncFull)
	assert.NoError(t, err)
}

func TestRunMirrorsEmbeddingsAndDeletions(t *testing.T) {
	t0 := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	st := newFakeStore()
	mirror := &fakeMirror{}

	src := &fakeSource{pages: [][]source.RawConversation{{
		rawConv("conv_1", t0, "billing question"),
	}}}
	eng := New(src, st, embedding.NewNoopProvider(3), nil, discardLogger(),
		WithVectorMirror(mirror))

	_, err := eng.Run(context.Background(), "agent_a", model.SyncFull)
	require.NoError(t, err)

	require.Len(t, mirror.upserted, 1)
	assert.Equal(t, "conv_1", mirror.upserted[0].ExternalID)
	assert.Equal(t, "agent_a", mirror.upserted[0].AgentID)
	assert.Equal(t, "noop", mirror.upserted[0].EmbeddingModel)
	assert.Empty(t, mirror.deleted)

	// Re-sync with the summary withdrawn: the row's embedding is cleared and
	// the mirrored point is removed.
	withdrawn := rawConv("conv_1", t0, "")
	withdrawn.Summary = nil
	eng2 := New(&fakeSource{pages: [][]source.RawConversation{{withdrawn}}}, st,
		embedding.NewNoopProvider(3), nil, discardLogger(), WithVectorMirror(mirror))

	_, err = eng2.Run(context.Background(), "agent_a", model.SyncFull)
	require.NoError(t, err)

	require.Len(t, mirror.deleted, 1)
	assert.Equal(t, st.byExt["conv_1"].conv.ID, mirror.deleted[0])
	assert.Len(t, mirror.upserted, 1) // nothing new to embed
}

func TestRunCancelsAtPageBoundary(t *testing.T) {
	t0 := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{pages: [][]source.RawConversation{
		{rawConv("conv_1", t0, "one")},
		{rawConv("conv_2", t0.Add(time.Hour), "two")},
	}}
	st := newFakeStore()
	eng := New(src, st, embedding.NewNoopProvider(3), nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := eng.Run(ctx, "agent_a", model.SyncFull)
	require.ErrorIs(t, err, context.Canceled)

	// First page committed and the cursor moved past it before stopping.
	assert.Equal(t, 1, sum.Inserted)
	assert.Len(t, st.byExt, 1)
	require.NotNil(t, st.cursors["agent_a"].LastExternalID)
	assert.Equal(t, "conv_1", *st.cursors["agent_a"].LastExternalID)
}
