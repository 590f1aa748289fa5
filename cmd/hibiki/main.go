package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hibiki-ai/hibiki/internal/analysis"
	"github.com/hibiki-ai/hibiki/internal/config"
	"github.com/hibiki-ai/hibiki/internal/ingest"
	"github.com/hibiki-ai/hibiki/internal/mcp"
	"github.com/hibiki-ai/hibiki/internal/model"
	"github.com/hibiki-ai/hibiki/internal/nlquery"
	"github.com/hibiki-ai/hibiki/internal/retrieval"
	"github.com/hibiki-ai/hibiki/internal/server"
	"github.com/hibiki-ai/hibiki/internal/service/embedding"
	"github.com/hibiki-ai/hibiki/internal/source"
	"github.com/hibiki-ai/hibiki/internal/storage"
	"github.com/hibiki-ai/hibiki/internal/telemetry"
	"github.com/hibiki-ai/hibiki/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("HIBIKI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("hibiki starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	embedder := newEmbeddingProvider(cfg, logger)

	// Optional Qdrant index. When configured it serves searches and mirrors
	// freshly generated embeddings; Postgres stays the source of truth.
	var qdrantIndex *retrieval.QdrantIndex
	if cfg.QdrantURL != "" {
		qdrantIndex, err = retrieval.NewQdrantIndex(retrieval.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	var searchIndex retrieval.Searcher = db
	if qdrantIndex != nil {
		searchIndex = qdrantIndex
	}
	retrievalSvc := retrieval.New(searchIndex, embedder, float32(cfg.SimilarityThreshold), logger)

	// Analysis cache: Redis when configured, embedded SQLite otherwise.
	cacheStore, err := newCacheStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("analysis cache: %w", err)
	}
	defer cacheStore.Close()
	cache := analysis.NewCache(cacheStore, cfg.CacheTTL, logger)

	var chat *openai.Client
	if cfg.OpenAIAPIKey != "" {
		chat = openai.NewClient(cfg.OpenAIAPIKey)
	} else {
		logger.Warn("no OPENAI_API_KEY: analyses use the lexicon fallback, natural-language queries are disabled")
	}

	orchestrator := newOrchestrator(db, chat, cache, cfg, logger)

	var nlSvc *nlquery.Service
	if chat != nil {
		tr := nlquery.NewTranslator(chat, cfg.ChatModel)
		nlSvc = nlquery.NewService(tr, db.Pool(), cfg.NLQueryMaxRows, logger)
	}

	// Sync engine, wired only when a source platform is configured.
	var engine *ingest.Engine
	if cfg.SourceAPIURL != "" {
		src := source.NewClient(cfg.SourceAPIURL, cfg.SourceAPIKey, logger,
			source.WithPageSize(cfg.SyncPageSize))
		var opts []ingest.Option
		if qdrantIndex != nil {
			opts = append(opts, ingest.WithVectorMirror(qdrantIndex))
		}
		engine = ingest.New(src, db, embedder, orchestrator, logger, opts...)
	} else {
		logger.Warn("no HIBIKI_SOURCE_API_URL: sync disabled, serving stored data only")
	}

	// Backfill vectors for summaries left without one by an interrupted or
	// failed embedding pass. Non-fatal.
	if n, err := backfillEmbeddings(ctx, db, embedder, qdrantIndex, logger); err != nil {
		logger.Warn("embedding backfill failed", "error", err)
	} else if n > 0 {
		logger.Info("embedding backfill complete", "count", n)
	}

	// Scheduled syncs.
	var scheduler *cron.Cron
	if engine != nil && cfg.SyncSchedule != "" && len(cfg.AgentIDs) > 0 {
		scheduler = cron.New()
		mode := model.SyncIncremental
		if cfg.SyncFullOnRun {
			mode = model.SyncFull
		}
		_, err := scheduler.AddFunc(cfg.SyncSchedule, func() {
			for _, agentID := range cfg.AgentIDs {
				summary, err := engine.Run(ctx, agentID, mode)
				if errors.Is(err, ingest.ErrSyncInProgress) {
					logger.Info("scheduled sync skipped, previous run still going", "agent_id", agentID)
					continue
				}
				if err != nil {
					logger.Error("scheduled sync failed", "agent_id", agentID, "error", err)
					continue
				}
				logger.Info("scheduled sync complete",
					"agent_id", agentID,
					"fetched", summary.Fetched,
					"inserted", summary.Inserted,
					"updated", summary.Updated)
			}
		})
		if err != nil {
			return fmt.Errorf("sync schedule %q: %w", cfg.SyncSchedule, err)
		}
		scheduler.Start()
		logger.Info("sync scheduler started", "schedule", cfg.SyncSchedule, "agents", cfg.AgentIDs)
	}

	mcpSrv := newMCPServer(db, retrievalSvc, orchestrator, nlSvc, logger)

	srvCfg := server.ServerConfig{
		DB:                  db,
		Retrieval:           retrievalSvc,
		Analysis:            orchestrator,
		MCPServer:           mcpSrv.MCPServer(),
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		APIToken:            cfg.APIToken,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	if engine != nil {
		srvCfg.Engine = engine
	}
	if nlSvc != nil {
		srvCfg.NLQuery = nlSvc
	}
	srv := server.New(srvCfg)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting HTTP requests and drain in-flight
	// ones, then wait for any scheduled sync still running. Sync runs honor
	// cancellation at page boundaries, so this converges quickly.
	slog.Info("hibiki shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if scheduler != nil {
		stopCtx := scheduler.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(15 * time.Second):
			slog.Warn("scheduled sync did not finish before shutdown deadline")
		}
	}

	slog.Info("hibiki stopped")
	return nil
}

// newOrchestrator keeps the nil-client case an untyped nil so the lexicon
// fallback engages.
func newOrchestrator(db *storage.DB, chat *openai.Client, cache *analysis.Cache, cfg config.Config, logger *slog.Logger) *analysis.Orchestrator {
	if chat == nil {
		return analysis.NewOrchestrator(db, nil, cache, cfg.ChatModel, logger)
	}
	return analysis.NewOrchestrator(db, chat, cache, cfg.ChatModel, logger)
}

func newMCPServer(db *storage.DB, retrievalSvc *retrieval.Service, orchestrator *analysis.Orchestrator, nlSvc *nlquery.Service, logger *slog.Logger) *mcp.Server {
	if nlSvc == nil {
		return mcp.New(db, retrievalSvc, orchestrator, nil, logger, version)
	}
	return mcp.New(db, retrievalSvc, orchestrator, nlSvc, logger, version)
}

func newCacheStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (analysis.Store, error) {
	if cfg.RedisURL != "" {
		store, err := analysis.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		logger.Info("analysis cache: redis")
		return store, nil
	}
	store, err := analysis.NewSQLiteStore(ctx, cfg.CachePath)
	if err != nil {
		return nil, err
	}
	logger.Info("analysis cache: sqlite", "path", cfg.CachePath)
	return store, nil
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when HIBIKI_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		// Prefer Ollama (on-premises, no per-token cost), then OpenAI, else noop.
		if ollamaReachable(cfg.OllamaURL) {
			if !cfg.OllamaCompatible() {
				logger.Warn("skipping ollama: model's native vector size differs from configured dimensions",
					"model", cfg.OllamaModel, "dimensions", dims)
			} else {
				logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
				return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
			}
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// backfillEmbeddings vectorizes summaries whose embedding pass never landed,
// mirroring into Qdrant when wired.
func backfillEmbeddings(ctx context.Context, db *storage.DB, embedder embedding.Provider, mirror *retrieval.QdrantIndex, logger *slog.Logger) (int, error) {
	rows, err := db.ListMissingEmbeddings(ctx, embedder.Model(), 500)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	texts := make([]string, len(rows))
	for i, r := range rows {
		texts[i] = r.Summary
	}
	vecs, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}

	n := 0
	var points []retrieval.Point
	for i, r := range rows {
		if err := db.UpdateEmbedding(ctx, r.ConversationID, vecs[i], embedder.Model()); err != nil {
			logger.Warn("backfill: store embedding failed", "conversation_id", r.ConversationID, "error", err)
			continue
		}
		n++
		if mirror != nil {
			points = append(points, retrieval.Point{
				ID:             r.ConversationID,
				ExternalID:     r.ExternalID,
				AgentID:        r.AgentID,
				EmbeddingModel: embedder.Model(),
				StartedAt:      r.StartedAt,
				Summary:        r.Summary,
				Embedding:      vecs[i].Slice(),
			})
		}
	}
	if mirror != nil && len(points) > 0 {
		if err := mirror.Upsert(ctx, points); err != nil {
			logger.Warn("backfill: qdrant mirror failed", "error", err)
		}
	}
	return n, nil
}
