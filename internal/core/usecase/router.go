package usecase

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
	"github.com/kirillkom/insurance-faq-rag/internal/core/ports"
)

type RouterConfig struct {
	EmbeddingWeight   float64
	KeywordWeight     float64
	KeywordSaturation int
	MinConfidence     float64
	Priority          []domain.Domain
	Exemplars         map[domain.Domain][]string
	Keywords          map[domain.Domain][]string
}

// Router classifies a normalized query into one configured domain or domain.DomainUnknown.
// Exemplar centroids are embedded on first use and retried after a failure.
type Router struct {
	cfg      RouterConfig
	embedder ports.Embedder
	keywords map[domain.Domain][]string

	mu        sync.Mutex
	centroids map[domain.Domain][]float32
}

func NewRouter(embedder ports.Embedder, cfg RouterConfig) *Router {
	if cfg.KeywordSaturation <= 0 {
		cfg.KeywordSaturation = 1
	}
	if len(cfg.Priority) == 0 {
		cfg.Priority = domain.KnownDomains()
	}

	keywords := make(map[domain.Domain][]string, len(cfg.Keywords))
	for d, list := range cfg.Keywords {
		for _, kw := range list {
			if phrase := tokenPhrase(kw); phrase != "" {
				keywords[d] = append(keywords[d], phrase)
			}
		}
	}

	return &Router{cfg: cfg, embedder: embedder, keywords: keywords}
}

// Priority is the configured domain order used for tie-breaking and fan-out.
func (r *Router) Priority() []domain.Domain {
	out := make([]domain.Domain, len(r.cfg.Priority))
	copy(out, r.cfg.Priority)
	return out
}

// Route scores every configured domain. queryVector may be nil, in which case
// only keyword evidence contributes.
func (r *Router) Route(ctx context.Context, query string, queryVector []float32) (domain.RouteDecision, error) {
	centroids, err := r.loadCentroids(ctx)
	if err != nil {
		return domain.RouteDecision{}, err
	}

	phrase := tokenPhrase(query)
	decision := domain.RouteDecision{
		Domain: domain.DomainUnknown,
		Scores: make(map[domain.Domain]float64, len(r.cfg.Priority)),
	}

	best := -1.0
	var bestDomain domain.Domain
	for _, d := range r.cfg.Priority {
		score := r.cfg.EmbeddingWeight*max(0, cosineSimilarity(queryVector, centroids[d])) +
			r.cfg.KeywordWeight*r.keywordScore(d, phrase)
		decision.Scores[d] = score
		// Strictly greater keeps the earlier priority domain on exact ties.
		if score > best {
			best = score
			bestDomain = d
		}
	}

	decision.Confidence = max(0, best)
	if best >= r.cfg.MinConfidence && best > 0 {
		decision.Domain = bestDomain
	}
	return decision, nil
}

func (r *Router) keywordScore(d domain.Domain, phrase string) float64 {
	hits := 0
	for _, kw := range r.keywords[d] {
		if containsPhrase(phrase, kw) {
			hits++
		}
	}
	return clamp01(float64(hits) / float64(r.cfg.KeywordSaturation))
}

func (r *Router) loadCentroids(ctx context.Context) (map[domain.Domain][]float32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.centroids != nil {
		return r.centroids, nil
	}

	centroids := make(map[domain.Domain][]float32, len(r.cfg.Priority))
	for _, d := range r.cfg.Priority {
		exemplars := r.cfg.Exemplars[d]
		if len(exemplars) == 0 {
			continue
		}
		vectors := make([][]float32, 0, len(exemplars))
		for _, ex := range exemplars {
			vec, err := r.embedder.EmbedQuery(ctx, lower(ex))
			if err != nil {
				return nil, domain.WrapError(domain.ErrRetrievalUnavailable, "embed router exemplars", err)
			}
			vectors = append(vectors, vec)
		}
		centroids[d] = meanVector(vectors)
	}

	r.centroids = centroids
	slog.Info("router_centroids_ready", "domains", len(centroids))
	return centroids, nil
}
