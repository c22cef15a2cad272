package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
	"github.com/kirillkom/insurance-faq-rag/internal/core/ports"
)

const (
	defaultEmbedBatch = 32
	defaultListLimit  = 100
	maxListLimit      = 500

	msgUnknownMetadataField = "Field metadata tidak dikenal."
	msgMetadataValueEmpty   = "Nilai metadata wajib diisi."
)

// IngestUseCase validates chunk batches, embeds them in passage mode and upserts
// them into their domain partition.
type IngestUseCase struct {
	embedder  ports.Embedder
	index     ports.VectorIndex
	events    ports.CorpusEvents
	batchSize int
}

func NewIngestUseCase(
	embedder ports.Embedder,
	index ports.VectorIndex,
	events ports.CorpusEvents,
	batchSize int,
) *IngestUseCase {
	if batchSize <= 0 {
		batchSize = defaultEmbedBatch
	}
	return &IngestUseCase{
		embedder:  embedder,
		index:     index,
		events:    events,
		batchSize: batchSize,
	}
}

func (uc *IngestUseCase) Ingest(ctx context.Context, chunks []domain.Chunk) (ports.IngestReport, error) {
	report := ports.IngestReport{Indexed: make(map[domain.Domain]int)}

	valid := make([]domain.Chunk, 0, len(chunks))
	last := make(map[string]int, len(chunks))
	for _, raw := range chunks {
		chunk, err := sanitizeChunk(raw)
		if err != nil {
			report.Rejected++
			slog.Warn("chunk_rejected", "chunk_id", raw.ID, "error", err)
			continue
		}
		last[chunk.ID] = len(valid)
		valid = append(valid, chunk)
	}

	// Later records with the same id replace earlier ones in the batch.
	byDomain := make(map[domain.Domain][]domain.Chunk)
	for i, chunk := range valid {
		if last[chunk.ID] != i {
			continue
		}
		byDomain[chunk.Domain] = append(byDomain[chunk.Domain], chunk)
	}

	total := 0
	for _, d := range domain.KnownDomains() {
		list := byDomain[d]
		for start := 0; start < len(list); start += uc.batchSize {
			end := min(start+uc.batchSize, len(list))
			batch := list[start:end]

			texts := make([]string, len(batch))
			for i, c := range batch {
				texts[i] = c.Text
			}
			vectors, err := uc.embedder.Embed(ctx, texts)
			if err != nil {
				return report, domain.WrapError(domain.ErrRetrievalUnavailable, "embed passages", err)
			}
			if len(vectors) != len(batch) {
				return report, domain.WrapError(
					domain.ErrRetrievalUnavailable,
					"embed passages",
					fmt.Errorf("expected %d vectors, got %d", len(batch), len(vectors)),
				)
			}
			if err := uc.index.IndexChunks(ctx, d, batch, vectors); err != nil {
				return report, domain.WrapError(domain.ErrRetrievalUnavailable, "index chunks", err)
			}
			report.Indexed[d] += len(batch)
			total += len(batch)
		}
	}

	if total == 0 {
		return report, nil
	}

	report.CorpusVersion = uuid.NewString()
	slog.Info("chunks_indexed", "indexed", total, "rejected", report.Rejected, "corpus_version", report.CorpusVersion)
	if err := uc.announce(ctx, report.CorpusVersion); err != nil {
		return report, err
	}
	return report, nil
}

// Purge deletes every chunk. The new corpus version is announced even when the
// index was already empty so every query process drops its cache.
func (uc *IngestUseCase) Purge(ctx context.Context) (ports.PurgeReport, error) {
	admin, err := uc.admin()
	if err != nil {
		return ports.PurgeReport{}, err
	}
	if err := admin.DeleteAll(ctx); err != nil {
		return ports.PurgeReport{}, domain.WrapError(domain.ErrRetrievalUnavailable, "purge index", err)
	}

	report := ports.PurgeReport{CorpusVersion: uuid.NewString()}
	slog.Warn("corpus_purged", "corpus_version", report.CorpusVersion)
	if err := uc.announce(ctx, report.CorpusVersion); err != nil {
		return report, err
	}
	return report, nil
}

// FindByMetadata lists chunks whose metadata field equals value. limit <= 0 uses
// the default page size; larger values are capped.
func (uc *IngestUseCase) FindByMetadata(ctx context.Context, field, value string, limit int) ([]domain.Chunk, error) {
	f, ok := domain.ParseMetadataField(field)
	if !ok {
		return nil, domain.NewValidationError("metadata_field", msgUnknownMetadataField)
	}
	if value = strings.TrimSpace(value); value == "" {
		return nil, domain.NewValidationError("metadata_value", msgMetadataValueEmpty)
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	admin, err := uc.admin()
	if err != nil {
		return nil, err
	}
	chunks, err := admin.ListByMetadata(ctx, f, value, limit)
	if err != nil {
		return nil, domain.WrapError(domain.ErrRetrievalUnavailable, "list chunks", err)
	}
	return chunks, nil
}

func (uc *IngestUseCase) admin() (ports.IndexAdmin, error) {
	admin, ok := uc.index.(ports.IndexAdmin)
	if !ok {
		return nil, domain.WrapError(domain.ErrConfig, "index admin", fmt.Errorf("%T does not support maintenance", uc.index))
	}
	return admin, nil
}

func (uc *IngestUseCase) announce(ctx context.Context, version string) error {
	if uc.events == nil {
		return nil
	}
	if err := uc.events.PublishCorpusUpdated(ctx, version); err != nil {
		return domain.WrapError(domain.ErrTemporary, "publish corpus update", err)
	}
	return nil
}

func sanitizeChunk(c domain.Chunk) (domain.Chunk, error) {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		return c, domain.WrapError(domain.ErrValidation, "sanitize chunk", fmt.Errorf("missing id"))
	}
	if strings.TrimSpace(c.Text) == "" {
		return c, domain.WrapError(domain.ErrValidation, "sanitize chunk", fmt.Errorf("missing text"))
	}
	d, err := domain.ParseDomain(string(c.Domain))
	if err != nil || !d.IsKnown() {
		return c, domain.WrapError(domain.ErrDomainNotFound, "sanitize chunk", fmt.Errorf("domain %q", c.Domain))
	}
	c.Domain = d

	meta := make(map[domain.MetadataField]string, len(c.Metadata))
	for key, value := range c.Metadata {
		field, ok := domain.ParseMetadataField(string(key))
		if !ok {
			slog.Warn("chunk_metadata_field_ignored", "chunk_id", c.ID, "field", string(key))
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			meta[field] = value
		}
	}
	c.Metadata = meta
	return c, nil
}
