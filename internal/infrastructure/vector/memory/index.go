// Package memory provides a brute-force in-process vector index, one partition per domain.
// It backs local runs and tests when Qdrant is not deployed.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
)

type entry struct {
	chunk  domain.Chunk
	vector []float32
	norm   float64
}

type partition struct {
	dimensions int
	entries    []entry
	byID       map[string]int
}

type Index struct {
	mu         sync.RWMutex
	partitions map[domain.Domain]*partition
}

func NewIndex() *Index {
	parts := make(map[domain.Domain]*partition, len(domain.KnownDomains()))
	for _, d := range domain.KnownDomains() {
		parts[d] = &partition{byID: make(map[string]int)}
	}
	return &Index{partitions: parts}
}

// IndexChunks upserts by chunk id. A replaced chunk keeps its original insertion position.
func (m *Index) IndexChunks(_ context.Context, d domain.Domain, chunks []domain.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunks/vectors mismatch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.partitions[d]
	if !ok {
		return domain.WrapError(domain.ErrDomainNotFound, "memory index", fmt.Errorf("domain=%q", d))
	}
	for i, chunk := range chunks {
		if p.dimensions == 0 {
			p.dimensions = len(vectors[i])
		}
		if len(vectors[i]) != p.dimensions {
			return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vectors[i]), p.dimensions)
		}
		vec := make([]float32, p.dimensions)
		copy(vec, vectors[i])
		e := entry{chunk: chunk, vector: vec, norm: l2(vec)}
		if idx, exists := p.byID[chunk.ID]; exists {
			p.entries[idx] = e
			continue
		}
		p.byID[chunk.ID] = len(p.entries)
		p.entries = append(p.entries, e)
	}
	return nil
}

// Search ranks by cosine similarity desc, ties by insertion order. A zero vector
// scores 0 against everything.
func (m *Index) Search(_ context.Context, d domain.Domain, query []float32, topK int) ([]domain.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.partitions[d]
	if !ok {
		return nil, domain.WrapError(domain.ErrDomainNotFound, "memory index", fmt.Errorf("domain=%q", d))
	}
	if topK <= 0 || len(p.entries) == 0 {
		return []domain.Candidate{}, nil
	}
	if len(query) != p.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), p.dimensions)
	}

	qn := l2(query)
	out := make([]domain.Candidate, len(p.entries))
	for i, e := range p.entries {
		var sim float64
		if qn > 0 && e.norm > 0 {
			var dot float64
			for j := range query {
				dot += float64(query[j]) * float64(e.vector[j])
			}
			sim = dot / (qn * e.norm)
		}
		out[i] = domain.Candidate{Chunk: e.chunk, Similarity: sim}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if topK < len(out) {
		out = out[:topK]
	}
	for i := range out {
		out[i].Rank = i
	}
	return out, nil
}

func (m *Index) Count(_ context.Context, d domain.Domain) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.partitions[d]
	if !ok {
		return 0, domain.WrapError(domain.ErrDomainNotFound, "memory index", fmt.Errorf("domain=%q", d))
	}
	return len(p.entries), nil
}

// DeleteAll empties every partition.
func (m *Index) DeleteAll(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for d := range m.partitions {
		m.partitions[d] = &partition{byID: make(map[string]int)}
	}
	return nil
}

func (m *Index) ListByMetadata(_ context.Context, field domain.MetadataField, value string, limit int) ([]domain.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Chunk, 0)
	for _, d := range domain.KnownDomains() {
		for _, e := range m.partitions[d].entries {
			if e.chunk.Meta(field) != value {
				continue
			}
			out = append(out, e.chunk)
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func l2(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
