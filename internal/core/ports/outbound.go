package ports

import (
	"context"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
)

// Embedder maps text to fixed-length vectors. Embed encodes passages and EmbedQuery
// encodes questions; the two modes use different prefixes and must not be mixed.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex holds one nearest-neighbour partition per domain.
type VectorIndex interface {
	// Search returns candidates by similarity desc, ties by insertion order.
	// An empty partition yields an empty slice; an unknown domain yields ErrDomainNotFound.
	Search(ctx context.Context, d domain.Domain, queryVector []float32, topK int) ([]domain.Candidate, error)
	IndexChunks(ctx context.Context, d domain.Domain, chunks []domain.Chunk, vectors [][]float32) error
	Count(ctx context.Context, d domain.Domain) (int, error)
}

// IndexAdmin covers corpus maintenance outside the query path.
type IndexAdmin interface {
	DeleteAll(ctx context.Context) error
	// ListByMetadata returns chunks whose metadata field equals value, partition by
	// partition in KnownDomains order, each in insertion order. limit <= 0 means all.
	ListByMetadata(ctx context.Context, field domain.MetadataField, value string, limit int) ([]domain.Chunk, error)
}

// AnswerGenerator turns ranked passages into prose. It is never called with an empty context.
type AnswerGenerator interface {
	GenerateAnswer(ctx context.Context, question string, d domain.Domain, results []domain.RankedResult) (domain.Generation, error)
}

// ResponseCache maps (normalized query, domain) to a final bundle.
type ResponseCache interface {
	Get(ctx context.Context, key domain.CacheKey) (*domain.CacheEntry, bool, error)
	// Lookup finds the routed entry stored for a normalized query, whatever its domain.
	Lookup(ctx context.Context, query string) (*domain.CacheEntry, bool, error)
	Put(ctx context.Context, entry domain.CacheEntry) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}

// CorpusEvents announces corpus changes so query processes can invalidate caches.
type CorpusEvents interface {
	PublishCorpusUpdated(ctx context.Context, version string) error
	SubscribeCorpusUpdated(ctx context.Context, handler func(context.Context, string) error) error
}

// ChunkQueue carries parsed chunk batches from the ingestion collaborator.
type ChunkQueue interface {
	PublishChunks(ctx context.Context, chunks []domain.Chunk) error
	SubscribeChunks(ctx context.Context, handler func(context.Context, []domain.Chunk) error) error
}
