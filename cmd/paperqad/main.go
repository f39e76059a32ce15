package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knoguchi/paperqa/internal/auth"
	"github.com/knoguchi/paperqa/internal/cache"
	"github.com/knoguchi/paperqa/internal/config"
	"github.com/knoguchi/paperqa/internal/embedder"
	"github.com/knoguchi/paperqa/internal/llm"
	"github.com/knoguchi/paperqa/internal/metrics"
	"github.com/knoguchi/paperqa/internal/repository"
	"github.com/knoguchi/paperqa/internal/repository/postgres"
	"github.com/knoguchi/paperqa/internal/reranker"
	"github.com/knoguchi/paperqa/internal/scoring"
	"github.com/knoguchi/paperqa/internal/server"
	"github.com/knoguchi/paperqa/internal/service"
	"github.com/knoguchi/paperqa/internal/vectorstore"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Set up structured logging
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(strings.ToLower(os.Getenv("LOG_LEVEL")))); err != nil {
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting paper Q&A service",
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"cache_enabled", cfg.CacheEnabled,
	)

	// Initialize PostgreSQL
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	// Initialize repositories
	paperRepo := postgres.NewPaperRepo(db)
	queryRepo := postgres.NewQueryLogRepo(db)

	// Initialize Ollama embedder with a memo for repeated questions
	ollamaEmbed := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL: cfg.OllamaURL,
		Model:   cfg.OllamaEmbeddingModel,
	})
	embed, err := embedder.NewCachedEmbedder(ollamaEmbed, cfg.EmbeddingCacheSize)
	if err != nil {
		return fmt.Errorf("failed to create embedding cache: %w", err)
	}
	slog.Info("initialized Ollama embedder", "model", cfg.OllamaEmbeddingModel, "dimension", embed.Dimension())

	// Initialize vector store
	vectorStore, closeVectors, err := openVectorStore(ctx, cfg, embed.Dimension())
	if err != nil {
		return err
	}
	defer closeVectors()

	// Initialize Ollama LLM
	llmClient := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.OllamaLLMModel),
	)
	slog.Info("initialized Ollama LLM", "model", cfg.OllamaLLMModel)

	// Initialize services
	history := service.NewHistoryService(queryRepo)
	ragOpts := []service.RAGServiceOption{
		service.WithLogger(slog.Default()),
		service.WithFilenameLookup(paperRepo),
		service.WithHistory(history),
		service.WithCoalescing(cfg.CoalesceRequests),
		service.WithLimits(service.Limits{
			MinTopK:           cfg.MinTopK,
			MaxTopK:           cfg.MaxTopK,
			DefaultTopK:       cfg.DefaultTopK,
			MinQuestionLength: cfg.MinQuestionLength,
			MinScore:          cfg.MinScore,
			MaxContextChars:   cfg.MaxContextChars(),
		}),
		service.WithReranker(reranker.NewHeuristicReranker(reranker.Config{
			FingerprintLength: cfg.FingerprintLength,
			BoostUnit:         cfg.BoostUnit,
			BoostCap:          cfg.BoostCap,
			SectionCap:        cfg.SectionCap,
		})),
		service.WithScorer(scoring.NewScorer(scoring.Config{
			RelevanceWeight:   cfg.RelevanceWeight,
			ConsistencyWeight: cfg.ConsistencyWeight,
			CoverageWeight:    cfg.CoverageWeight,
			DiversityWeight:   cfg.DiversityWeight,
		})),
	}

	if cfg.CacheEnabled {
		queryCache, err := cache.New[*service.QueryResult](cfg.CacheMaxSize, cfg.CacheTTL,
			cache.WithLogger(slog.Default()))
		if err != nil {
			return fmt.Errorf("failed to create query cache: %w", err)
		}
		go queryCache.RunSweeper(ctx, cfg.CacheSweepInterval)
		ragOpts = append(ragOpts, service.WithCache(queryCache))
		slog.Info("query cache enabled", "max_size", cfg.CacheMaxSize, "ttl", cfg.CacheTTL)
	}

	// The observer must exist before the service is built, and the cache
	// collector reads from the service, so metrics wire in two steps.
	var promMetrics *metrics.Metrics
	var observer lazyObserver
	if cfg.MetricsEnabled {
		ragOpts = append(ragOpts, service.WithObserver(&observer))
	}

	ragSvc := service.NewRAGService(embed, vectorStore, llmClient, ragOpts...)
	paperSvc := service.NewPaperService(paperRepo, queryRepo, vectorStore, ragSvc, slog.Default())

	if cfg.MetricsEnabled {
		var src metrics.CacheStatsSource
		if ragSvc.CacheEnabled() {
			src = ragSvc
		}
		promMetrics = metrics.New(src)
		observer.target = promMetrics
	}

	var jwtManager *auth.JWTManager
	if cfg.AdminJWTSecret != "" {
		jwtCfg := auth.DefaultJWTConfig(cfg.AdminJWTSecret)
		jwtCfg.Expiry = cfg.JWTExpiry
		jwtManager = auth.NewJWTManager(jwtCfg)
	} else {
		slog.Warn("ADMIN_JWT_SECRET is not set; administrative endpoints are unauthenticated")
	}

	api := server.API{
		Queries: ragSvc,
		Papers:  paperSvc,
		History: history,
		Auth:    jwtManager,
		Ready:   db.Ping,
	}
	if promMetrics != nil {
		api.Metrics = promMetrics.Handler(slog.Default())
	}

	// Create gRPC health server
	grpcServer, err := server.NewGRPCServer(server.GRPCServerConfig{
		Port:   cfg.GRPCPort,
		Logger: slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}

	// Create HTTP server
	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: cfg.AllowedOrigins,
		API:            api,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	// Start servers
	errCh := make(chan error, 2)

	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	slog.Info("shutting down servers...")
	grpcServer.SetServing("", false)
	grpcServer.SetServing(server.HealthService, false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown gRPC server", "error", err)
	}

	slog.Info("servers stopped")
	return nil
}

// openVectorStore connects the configured vector backend and returns a close func.
func openVectorStore(ctx context.Context, cfg *config.Config, dimension int) (vectorstore.VectorStore, func(), error) {
	if cfg.VectorBackend == "memory" {
		slog.Warn("using in-memory vector store; data is not persisted")
		return vectorstore.NewMemoryStore(), func() {}, nil
	}

	store, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL, cfg.QdrantCollection)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	if err := store.EnsureCollection(ctx, dimension); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to prepare Qdrant collection: %w", err)
	}
	slog.Info("connected to Qdrant", "collection", cfg.QdrantCollection)

	return store, func() {
		if err := store.Close(); err != nil {
			slog.Warn("failed to close Qdrant client", "error", err)
		}
	}, nil
}

// lazyObserver forwards to a target set after construction.
type lazyObserver struct {
	target service.Observer
}

func (o *lazyObserver) ObserveAnswer(status service.Status, cached bool, elapsed time.Duration) {
	if o.target != nil {
		o.target.ObserveAnswer(status, cached, elapsed)
	}
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.PaperRepository    = (*postgres.PaperRepo)(nil)
	_ repository.QueryLogRepository = (*postgres.QueryLogRepo)(nil)
	_ service.FilenameLookup        = (*postgres.PaperRepo)(nil)
	_ vectorstore.VectorStore       = (*vectorstore.QdrantStore)(nil)
	_ vectorstore.VectorStore       = (*vectorstore.MemoryStore)(nil)
	_ embedder.Embedder             = (*embedder.CachedEmbedder)(nil)
	_ llm.Generator                 = (*llm.OllamaClient)(nil)
	_ server.QueryService           = (*service.RAGService)(nil)
	_ server.PaperService           = (*service.PaperService)(nil)
	_ server.HistoryService         = (*service.HistoryService)(nil)
)
