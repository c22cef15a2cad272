package ports

import (
	"context"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
)

type AnswerOptions struct {
	// Domain skips routing when set. An unconfigured value falls back to unknown-domain behavior.
	Domain string
}

// FAQService is the inbound contract of the query pipeline.
type FAQService interface {
	Answer(ctx context.Context, question string, opts AnswerOptions) (*domain.ResponseBundle, AnswerMeta, error)
	ClearCache(ctx context.Context) error
	Stats(ctx context.Context) (*domain.Stats, error)
}

// AnswerMeta describes how a bundle was produced. It is never part of the bundle itself.
type AnswerMeta struct {
	CacheHit   bool
	Routed     domain.RouteDecision
	Candidates int
	// Fallback is empty for grounded answers, otherwise no_evidence or degraded.
	Fallback       string
	InjectionFlags []string
}

// ChunkIngestor is the inbound contract for indexing chunk batches.
type ChunkIngestor interface {
	Ingest(ctx context.Context, chunks []domain.Chunk) (IngestReport, error)
}

type IngestReport struct {
	Indexed       map[domain.Domain]int `json:"indexed"`
	Rejected      int                   `json:"rejected"`
	CorpusVersion string                `json:"corpus_version"`
}

// CorpusAdmin is the inbound contract for corpus maintenance.
type CorpusAdmin interface {
	// Purge empties every partition and announces a new corpus version.
	Purge(ctx context.Context) (PurgeReport, error)
	FindByMetadata(ctx context.Context, field, value string, limit int) ([]domain.Chunk, error)
}

type PurgeReport struct {
	CorpusVersion string `json:"corpus_version"`
}
