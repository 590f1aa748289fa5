// Package retrieval answers semantic search queries over conversation
// summaries. It embeds the query text with the same pinned model that produced
// the stored vectors, searches whichever index is wired (Postgres pgvector by
// default, Qdrant when configured), applies the relevance threshold, and
// returns a deterministically ordered candidate list.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/pgvector/pgvector-go"

	"github.com/hibiki-ai/hibiki/internal/model"
	"github.com/hibiki-ai/hibiki/internal/service/embedding"
)

const (
	defaultTopK = 10
	maxTopK     = 100
)

// ErrEmptyQuery is returned when the search text is blank.
var ErrEmptyQuery = errors.New("retrieval: query text is empty")

// Searcher is a vector index over conversation summaries.
type Searcher interface {
	SearchBySummary(ctx context.Context, queryVec pgvector.Vector, embeddingModel string, filters model.ConversationFilters, limit int) ([]model.SearchCandidate, error)
}

// Service runs semantic searches.
type Service struct {
	index     Searcher
	embedder  embedding.Provider
	threshold float32
	logger    *slog.Logger
}

// New creates a retrieval service. threshold is the minimum similarity score
// a candidate needs to be returned.
func New(index Searcher, embedder embedding.Provider, threshold float32, logger *slog.Logger) *Service {
	return &Service{
		index:     index,
		embedder:  embedder,
		threshold: threshold,
		logger:    logger,
	}
}

// FindSimilar returns conversations whose summaries are semantically close to
// the query, most relevant first. An empty result is normal when nothing in
// scope clears the threshold; only infrastructure failures return an error.
func (s *Service) FindSimilar(ctx context.Context, req model.SearchRequest) ([]model.SearchCandidate, error) {
	if req.Query == "" {
		return nil, ErrEmptyQuery
	}

	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	queryVec, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}

	filters := model.ConversationFilters{
		AgentID:   req.AgentID,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
	}
	candidates, err := s.index.SearchBySummary(ctx, queryVec, s.embedder.Model(), filters, topK)
	if err != nil {
		return nil, fmt.Errorf("retrieval: search: %w", err)
	}

	kept := candidates[:0]
	for _, c := range candidates {
		if c.Score >= s.threshold {
			kept = append(kept, c)
		}
	}

	sortCandidates(kept)
	if len(kept) > topK {
		kept = kept[:topK]
	}
	return kept, nil
}

// sortCandidates orders by score descending; equal scores break by most
// recent StartedAt, then external id so the ordering is total. Applied
// regardless of which index produced the list, since index backends differ in
// how they break ties.
func sortCandidates(cs []model.SearchCandidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		ti, tj := cs[i].StartedAt, cs[j].StartedAt
		switch {
		case ti == nil && tj == nil:
			return cs[i].ExternalID < cs[j].ExternalID
		case ti == nil:
			return false
		case tj == nil:
			return true
		case !ti.Equal(*tj):
			return ti.After(*tj)
		default:
			return cs[i].ExternalID < cs[j].ExternalID
		}
	})
}
