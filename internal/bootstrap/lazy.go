package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
	"github.com/kirillkom/insurance-faq-rag/internal/core/ports"
)

// handle initializes a process-wide resource on first use. A failed init is not
// cached; the next caller tries again.
type handle[T any] struct {
	name string
	init func(context.Context) (T, error)

	mu    sync.Mutex
	value T
	ready bool
}

func newHandle[T any](name string, init func(context.Context) (T, error)) *handle[T] {
	return &handle[T]{name: name, init: init}
}

func (h *handle[T]) get(ctx context.Context) (T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ready {
		return h.value, nil
	}
	value, err := h.init(ctx)
	if err != nil {
		slog.Warn("resource_init_failed", "resource", h.name, "error", err)
		var zero T
		return zero, domain.WrapError(domain.ErrRetrievalUnavailable, "init "+h.name, err)
	}
	h.value = value
	h.ready = true
	slog.Info("resource_initialized", "resource", h.name)
	return value, nil
}

type lazyEmbedder struct {
	h *handle[ports.Embedder]
}

func (l lazyEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e, err := l.h.get(ctx)
	if err != nil {
		return nil, err
	}
	return e.Embed(ctx, texts)
}

func (l lazyEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	e, err := l.h.get(ctx)
	if err != nil {
		return nil, err
	}
	return e.EmbedQuery(ctx, text)
}

type lazyIndex struct {
	h *handle[ports.VectorIndex]
}

func (l lazyIndex) Search(ctx context.Context, d domain.Domain, queryVector []float32, topK int) ([]domain.Candidate, error) {
	idx, err := l.h.get(ctx)
	if err != nil {
		return nil, err
	}
	return idx.Search(ctx, d, queryVector, topK)
}

func (l lazyIndex) IndexChunks(ctx context.Context, d domain.Domain, chunks []domain.Chunk, vectors [][]float32) error {
	idx, err := l.h.get(ctx)
	if err != nil {
		return err
	}
	return idx.IndexChunks(ctx, d, chunks, vectors)
}

func (l lazyIndex) Count(ctx context.Context, d domain.Domain) (int, error) {
	idx, err := l.h.get(ctx)
	if err != nil {
		return 0, err
	}
	return idx.Count(ctx, d)
}

func (l lazyIndex) DeleteAll(ctx context.Context) error {
	admin, err := l.admin(ctx)
	if err != nil {
		return err
	}
	return admin.DeleteAll(ctx)
}

func (l lazyIndex) ListByMetadata(ctx context.Context, field domain.MetadataField, value string, limit int) ([]domain.Chunk, error) {
	admin, err := l.admin(ctx)
	if err != nil {
		return nil, err
	}
	return admin.ListByMetadata(ctx, field, value, limit)
}

func (l lazyIndex) admin(ctx context.Context) (ports.IndexAdmin, error) {
	idx, err := l.h.get(ctx)
	if err != nil {
		return nil, err
	}
	admin, ok := idx.(ports.IndexAdmin)
	if !ok {
		return nil, domain.WrapError(domain.ErrConfig, "index admin", fmt.Errorf("%T does not support maintenance", idx))
	}
	return admin, nil
}
