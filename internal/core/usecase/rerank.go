package usecase

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
)

type RerankConfig struct {
	SimilarityWeight float64
	Weights          map[domain.MetadataField]float64
}

// Reranker orders candidates by similarity plus boosts for metadata that agrees with the query.
type Reranker struct {
	similarityWeight float64
	weights          map[domain.MetadataField]float64
}

func NewReranker(cfg RerankConfig) *Reranker {
	weights := make(map[domain.MetadataField]float64, len(cfg.Weights))
	for field, w := range cfg.Weights {
		if w > 0 {
			weights[field] = w
		}
	}
	return &Reranker{similarityWeight: cfg.SimilarityWeight, weights: weights}
}

// Rerank scores candidates against hints and returns at most finalK results.
// Candidates are expected in similarity order; equal scores keep that order.
func (r *Reranker) Rerank(hints QueryHints, candidates []domain.Candidate, finalK int) []domain.RankedResult {
	if len(candidates) == 0 {
		return []domain.RankedResult{}
	}
	if finalK <= 0 || finalK > len(candidates) {
		finalK = len(candidates)
	}

	type scored struct {
		result domain.RankedResult
		order  int
	}
	all := make([]scored, 0, len(candidates))
	for i, c := range candidates {
		score, reasons := r.score(hints, c)
		all = append(all, scored{
			result: domain.RankedResult{
				Chunk:      c.Chunk,
				Score:      score,
				Similarity: c.Similarity,
				Reasons:    reasons,
			},
			order: i,
		})
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].result.Score != all[j].result.Score {
			return all[i].result.Score > all[j].result.Score
		}
		return all[i].order < all[j].order
	})

	out := make([]domain.RankedResult, 0, finalK)
	for i := 0; i < finalK; i++ {
		res := all[i].result
		res.Rank = i
		out = append(out, res)
	}
	return out
}

func (r *Reranker) score(hints QueryHints, c domain.Candidate) (float64, []string) {
	score := r.similarityWeight * clamp01((c.Similarity+1)/2)
	reasons := make([]string, 0, 2)

	for _, field := range domain.MetadataFields() {
		w, ok := r.weights[field]
		if !ok {
			continue
		}
		value := c.Chunk.Meta(field)
		if value == "" {
			continue
		}

		if field == domain.FieldQuestionOriginal {
			overlap := tokenOverlap(hints.Terms, toTokenSet(splitWordsLower(value)))
			if overlap > 0 {
				score += w * overlap
				reasons = append(reasons, fmt.Sprintf("%s:%.2f", field, overlap))
			}
			continue
		}

		if metadataMatches(tokenPhrase(value), hints.Fields[field], hints.Phrase) {
			score += w
			reasons = append(reasons, string(field))
		}
	}
	return score, reasons
}

// metadataMatches compares a chunk value with the query hints for one field. A value
// matches when it equals or contains a hint, or occurs verbatim in the query.
func metadataMatches(value string, hints []string, queryPhrase string) bool {
	if value == "" {
		return false
	}
	compact := strings.ReplaceAll(value, " ", "")
	for _, hint := range hints {
		if hint == "" {
			continue
		}
		if value == hint || containsPhrase(value, hint) {
			return true
		}
		if strings.Contains(compact, strings.ReplaceAll(hint, " ", "")) {
			return true
		}
	}
	return containsPhrase(queryPhrase, value)
}
