package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/insurance-faq-rag/internal/config"
	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
	"github.com/kirillkom/insurance-faq-rag/internal/core/ports"
	"github.com/kirillkom/insurance-faq-rag/internal/core/usecase"
	cachememory "github.com/kirillkom/insurance-faq-rag/internal/infrastructure/cache/memory"
	"github.com/kirillkom/insurance-faq-rag/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/insurance-faq-rag/internal/infrastructure/queue/nats"
	"github.com/kirillkom/insurance-faq-rag/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/insurance-faq-rag/internal/infrastructure/resilience"
	vectormemory "github.com/kirillkom/insurance-faq-rag/internal/infrastructure/vector/memory"
	"github.com/kirillkom/insurance-faq-rag/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/insurance-faq-rag/internal/observability/metrics"
)

type App struct {
	Config  config.Config
	Profile *config.ResolvedProfile

	// Queue is nil when NATS is disabled.
	Queue    *nats.Queue
	Events   ports.CorpusEvents
	Cache    ports.ResponseCache
	Embedder ports.Embedder
	Index    ports.VectorIndex

	AnswerUC *usecase.AnswerUseCase
	IngestUC *usecase.IngestUseCase

	HTTPMetrics *metrics.HTTPServerMetrics

	closeFn func()
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return nil, err
	}
	for _, warning := range profile.Warnings {
		slog.Warn("retrieval_profile_warning", "detail", warning)
	}

	httpMetrics := metrics.NewHTTPServerMetrics("faq-api")
	executor := resilience.NewExecutor(resilienceConfig(cfg, httpMetrics))

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	cache, db, err := newResponseCache(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if db != nil {
		closers = append(closers, func() { _ = db.Close() })
	}

	var (
		queue  *nats.Queue
		remote ports.CorpusEvents
	)
	if cfg.NATSEnabled {
		queue, err = nats.NewWithOptions(cfg.NATSURL, nats.Options{
			IngestSubject:      cfg.NATSIngestSubject,
			CorpusSubject:      cfg.NATSCorpusSubject,
			ResilienceExecutor: executor,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		remote = queue
		closers = append(closers, queue.Close)
	}

	ollamaClient := ollama.New(cfg.OllamaURL, ollama.Options{
		GenModel:           cfg.OllamaGenModel,
		EmbedModel:         cfg.OllamaEmbedModel,
		GenTimeout:         time.Duration(cfg.LLMTimeoutSeconds) * time.Second,
		EmbedTimeout:       time.Duration(cfg.EmbedTimeoutSeconds) * time.Second,
		ResilienceExecutor: executor,
	})
	embedder := lazyEmbedder{h: newHandle("embedder", func(context.Context) (ports.Embedder, error) {
		return ollama.NewEmbedder(ollamaClient, cfg.EmbedQueryPrefix, cfg.EmbedPassagePrefix), nil
	})}
	index := lazyIndex{h: newHandle("vector_index", vectorIndexInit(cfg, executor))}
	generator := ollama.NewGenerator(ollamaClient)

	answerUC := usecase.NewAnswerUseCase(
		Components(profile, embedder),
		embedder,
		index,
		generator,
		cache,
		answerConfig(cfg, profile),
	)
	events := corpusNotifier{local: answerUC, remote: remote}
	ingestUC := usecase.NewIngestUseCase(embedder, index, events, 0)

	return &App{
		Config:  cfg,
		Profile: profile,

		Queue:    queue,
		Events:   events,
		Cache:    cache,
		Embedder: embedder,
		Index:    index,

		AnswerUC: answerUC,
		IngestUC: ingestUC,

		HTTPMetrics: httpMetrics,

		closeFn: closeAll,
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func resilienceConfig(cfg config.Config, m *metrics.HTTPServerMetrics) resilience.Config {
	out := resilience.DefaultConfig()
	out.RetryMaxAttempts = cfg.ResilienceRetryMaxAttempts
	out.RetryMinRemaining = time.Duration(cfg.ResilienceRetryMinRemainingMillis) * time.Millisecond
	// A failed generation already degrades to the extractive answer.
	out.SingleAttempt = []string{ollama.OperationGenerate}
	out.BreakerEnabled = cfg.ResilienceBreakerEnabled
	out.OnStateChange = m.BreakerStateHook("faq-api")
	return out
}

func newResponseCache(ctx context.Context, cfg config.Config) (ports.ResponseCache, *sql.DB, error) {
	switch cfg.CacheBackend {
	case "postgres":
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		cache := postgres.NewResponseCache(db, cfg.CacheCapacity)
		if err := cache.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return cache, db, nil
	default:
		return cachememory.New(cfg.CacheCapacity), nil, nil
	}
}

// vectorIndexInit returns the constructor for the configured backend. The Qdrant client
// is checked once so an unreachable store surfaces on first use and is retried later.
func vectorIndexInit(cfg config.Config, executor *resilience.Executor) func(context.Context) (ports.VectorIndex, error) {
	if cfg.VectorBackend == "memory" {
		return func(context.Context) (ports.VectorIndex, error) {
			return vectormemory.NewIndex(), nil
		}
	}
	return func(ctx context.Context) (ports.VectorIndex, error) {
		client := qdrant.New(cfg.QdrantURL, cfg.QdrantCollectionPrefix, qdrant.Options{
			ResilienceExecutor: executor,
		})
		if _, err := client.Count(ctx, domain.KnownDomains()[0]); err != nil {
			return nil, fmt.Errorf("check qdrant: %w", err)
		}
		return client, nil
	}
}
