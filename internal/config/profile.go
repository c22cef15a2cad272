package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
)

//go:embed default_profile.yaml
var defaultProfileYAML []byte

// Profile is the retrieval tuning loaded from YAML.
type Profile struct {
	Router     RouterProfile       `yaml:"router"`
	Rerank     RerankProfile       `yaml:"rerank"`
	Hints      map[string][]string `yaml:"hints"`
	Normalizer NormalizerProfile   `yaml:"normalizer"`
}

type RouterProfile struct {
	EmbeddingWeight   float64                        `yaml:"embedding_weight"`
	KeywordWeight     float64                        `yaml:"keyword_weight"`
	KeywordSaturation int                            `yaml:"keyword_saturation"`
	MinConfidence     float64                        `yaml:"min_confidence"`
	Priority          []string                       `yaml:"priority"`
	Domains           map[string]DomainRouterProfile `yaml:"domains"`
}

type DomainRouterProfile struct {
	Exemplars []string `yaml:"exemplars"`
	Keywords  []string `yaml:"keywords"`
}

type RerankProfile struct {
	SimilarityWeight float64            `yaml:"similarity_weight"`
	MinSimilarity    float64            `yaml:"min_similarity"`
	Weights          map[string]float64 `yaml:"weights"`
}

type NormalizerProfile struct {
	MaxWords         int      `yaml:"max_words"`
	InjectionPhrases []string `yaml:"injection_phrases"`
}

// ResolvedProfile is a Profile checked against the domain and metadata enumerations.
type ResolvedProfile struct {
	Router     ResolvedRouter
	Rerank     ResolvedRerank
	Hints      map[domain.MetadataField][]string
	Normalizer NormalizerProfile
	// Warnings lists recoverable problems such as unrecognized metadata fields.
	Warnings []string
}

type ResolvedRouter struct {
	EmbeddingWeight   float64
	KeywordWeight     float64
	KeywordSaturation int
	MinConfidence     float64
	Priority          []domain.Domain
	Domains           map[domain.Domain]DomainRouterProfile
}

type ResolvedRerank struct {
	SimilarityWeight float64
	MinSimilarity    float64
	Weights          map[domain.MetadataField]float64
}

// LoadProfile reads the YAML profile at path, or the embedded default when path is empty.
func LoadProfile(path string) (*ResolvedProfile, error) {
	raw := defaultProfileYAML
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, domain.WrapError(domain.ErrConfig, "read retrieval profile", err)
		}
		raw = data
	}
	return ParseProfile(raw)
}

func ParseProfile(raw []byte) (*ResolvedProfile, error) {
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, domain.WrapError(domain.ErrConfig, "parse retrieval profile", err)
	}
	return p.Resolve()
}

func (p Profile) Resolve() (*ResolvedProfile, error) {
	out := &ResolvedProfile{
		Hints:      make(map[domain.MetadataField][]string, len(p.Hints)),
		Normalizer: p.Normalizer,
	}
	if out.Normalizer.MaxWords <= 0 {
		out.Normalizer.MaxWords = 500
	}

	router, err := p.resolveRouter()
	if err != nil {
		return nil, err
	}
	out.Router = router

	rerank, warnings, err := p.resolveRerank()
	if err != nil {
		return nil, err
	}
	out.Rerank = rerank
	out.Warnings = append(out.Warnings, warnings...)

	for name, terms := range p.Hints {
		field, ok := domain.ParseMetadataField(name)
		if !ok {
			out.Warnings = append(out.Warnings, fmt.Sprintf("hints: unrecognized metadata field %q ignored", name))
			continue
		}
		out.Hints[field] = append(out.Hints[field], terms...)
	}
	for field := range out.Rerank.Weights {
		if field == domain.FieldQuestionOriginal {
			continue
		}
		if len(out.Hints[field]) == 0 {
			out.Warnings = append(out.Warnings, fmt.Sprintf("rerank: field %q has a weight but no hint vocabulary; only query-substring matches apply", field))
		}
	}
	return out, nil
}

func (p Profile) resolveRouter() (ResolvedRouter, error) {
	r := ResolvedRouter{
		EmbeddingWeight:   p.Router.EmbeddingWeight,
		KeywordWeight:     p.Router.KeywordWeight,
		KeywordSaturation: p.Router.KeywordSaturation,
		MinConfidence:     p.Router.MinConfidence,
		Domains:           make(map[domain.Domain]DomainRouterProfile, len(p.Router.Domains)),
	}
	if r.EmbeddingWeight < 0 || r.KeywordWeight < 0 || r.EmbeddingWeight+r.KeywordWeight == 0 {
		return r, configError("router weights must be non-negative and not both zero")
	}
	if r.MinConfidence < 0 || r.MinConfidence > 1 {
		return r, configError("router.min_confidence must be within [0,1], got %v", r.MinConfidence)
	}
	if r.KeywordSaturation <= 0 {
		r.KeywordSaturation = 2
	}

	for name, dp := range p.Router.Domains {
		d, err := domain.ParseDomain(name)
		if err != nil || !d.IsKnown() {
			return r, configError("router.domains: unknown domain %q", name)
		}
		r.Domains[d] = dp
	}
	for _, d := range domain.KnownDomains() {
		dp, ok := r.Domains[d]
		if !ok || (len(dp.Exemplars) == 0 && len(dp.Keywords) == 0) {
			return r, configError("router.domains: domain %s needs exemplars or keywords", d)
		}
	}

	if len(p.Router.Priority) == 0 {
		r.Priority = domain.KnownDomains()
		return r, nil
	}
	seen := make(map[domain.Domain]bool, len(p.Router.Priority))
	for _, name := range p.Router.Priority {
		d, err := domain.ParseDomain(name)
		if err != nil || !d.IsKnown() {
			return r, configError("router.priority: unknown domain %q", name)
		}
		if seen[d] {
			return r, configError("router.priority: duplicate domain %s", d)
		}
		seen[d] = true
		r.Priority = append(r.Priority, d)
	}
	if len(r.Priority) != len(domain.KnownDomains()) {
		return r, configError("router.priority must list every domain exactly once")
	}
	return r, nil
}

func (p Profile) resolveRerank() (ResolvedRerank, []string, error) {
	r := ResolvedRerank{
		SimilarityWeight: p.Rerank.SimilarityWeight,
		MinSimilarity:    p.Rerank.MinSimilarity,
		Weights:          make(map[domain.MetadataField]float64, len(p.Rerank.Weights)),
	}
	if r.SimilarityWeight <= 0 {
		r.SimilarityWeight = 1.0
	}
	if r.MinSimilarity < -1 || r.MinSimilarity > 1 {
		return r, nil, configError("rerank.min_similarity must be within [-1,1], got %v", r.MinSimilarity)
	}

	var warnings []string
	for name, w := range p.Rerank.Weights {
		field, ok := domain.ParseMetadataField(name)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("rerank.weights: unrecognized metadata field %q ignored", name))
			continue
		}
		if w < 0 {
			return r, nil, configError("rerank.weights.%s must be non-negative, got %v", name, w)
		}
		r.Weights[field] = w
	}
	return r, warnings, nil
}

func configError(format string, args ...any) error {
	return domain.WrapError(domain.ErrConfig, "resolve retrieval profile", fmt.Errorf(format, args...))
}
