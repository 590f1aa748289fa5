package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/qdrant/go-client/qdrant"

	"github.com/hibiki-ai/hibiki/internal/model"
)

// QdrantConfig holds connection settings for an external Qdrant index.
type QdrantConfig struct {
	URL        string // "https://host:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantIndex is an alternative Searcher backed by Qdrant. The sync engine
// mirrors summary embeddings into it; Postgres remains the source of truth
// and the index can be rebuilt from stored summaries at any time.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger
}

// parseQdrantURL extracts host, port, and TLS flag. The REST port 6333 is
// mapped to the gRPC port 6334 the client actually speaks.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("retrieval: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	port = 6334
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("retrieval: invalid port in qdrant URL: %q", portStr)
		}
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// NewQdrantIndex connects to Qdrant over gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection and payload indexes if absent.
// CreateFieldIndex is idempotent on Qdrant so the index calls run on every
// startup.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("retrieval: check collection exists: %w", err)
	}

	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("retrieval: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"agent_id", "external_id", "embedding_model"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("retrieval: ensure index on %q: %w", field, err)
		}
	}

	floatType := qdrant.FieldType_FieldTypeFloat
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "started_at_unix",
		FieldType:      &floatType,
	}); err != nil {
		return fmt.Errorf("retrieval: ensure index on started_at_unix: %w", err)
	}
	return nil
}

// Point is one conversation's vector plus the payload the search filters need.
type Point struct {
	ID             uuid.UUID
	ExternalID     string
	AgentID        string
	EmbeddingModel string
	StartedAt      *time.Time
	Summary        string
	Embedding      []float32
}

// Upsert mirrors summary embeddings into the index.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := map[string]any{
			"agent_id":        p.AgentID,
			"external_id":     p.ExternalID,
			"embedding_model": p.EmbeddingModel,
			"summary":         p.Summary,
		}
		if p.StartedAt != nil {
			payload["started_at_unix"] = float64(p.StartedAt.Unix())
		}
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID.String()),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("retrieval: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// SearchBySummary implements Searcher against the Qdrant collection. Filters
// are pushed down as payload conditions; the Status filter is not indexed
// here and is ignored (semantic search never filters on status).
func (q *QdrantIndex) SearchBySummary(ctx context.Context, queryVec pgvector.Vector, embeddingModel string, filters model.ConversationFilters, limit int) ([]model.SearchCandidate, error) {
	must := []*qdrant.Condition{
		qdrant.NewMatch("embedding_model", embeddingModel),
	}
	if filters.AgentID != "" {
		must = append(must, qdrant.NewMatch("agent_id", filters.AgentID))
	}
	if filters.StartDate != nil {
		must = append(must, qdrant.NewRange("started_at_unix", &qdrant.Range{
			Gte: qdrant.PtrOf(float64(filters.StartDate.Unix())),
		}))
	}
	if filters.EndDate != nil {
		must = append(must, qdrant.NewRange("started_at_unix", &qdrant.Range{
			Lt: qdrant.PtrOf(float64(filters.EndDate.Unix())),
		}))
	}

	fetchLimit := uint64(limit) //nolint:gosec // bounded by the service's topK cap
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(queryVec.Slice()),
		Filter:         &qdrant.Filter{Must: must},
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: qdrant query: %w", err)
	}

	out := make([]model.SearchCandidate, 0, len(scored))
	for _, sp := range scored {
		idStr := sp.Id.GetUuid()
		if idStr == "" {
			continue
		}
		c := model.SearchCandidate{
			ConversationID: idStr,
			Score:          sp.Score,
		}
		if v, ok := sp.Payload["external_id"]; ok {
			c.ExternalID = v.GetStringValue()
		}
		if v, ok := sp.Payload["summary"]; ok {
			c.Summary = v.GetStringValue()
		}
		if v, ok := sp.Payload["started_at_unix"]; ok {
			ts := time.Unix(int64(v.GetDoubleValue()), 0).UTC()
			c.StartedAt = &ts
		}
		out = append(out, c)
	}
	return out, nil
}

// DeleteByIDs removes points for conversations whose embeddings were cleared.
func (q *QdrantIndex) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id.String())
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("retrieval: qdrant delete %d points: %w", len(ids), err)
	}
	return nil
}

// Close shuts down the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
