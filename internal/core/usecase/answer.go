package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
	"github.com/kirillkom/insurance-faq-rag/internal/core/ports"
)

const (
	defaultTopK   = 20
	defaultFinalK = 3
)

type AnswerConfig struct {
	TopK          int
	FinalK        int
	MinSimilarity float64
	CorpusVersion string
}

// AnswerComponents are the in-process stages of the query pipeline.
type AnswerComponents struct {
	Normalizer *Normalizer
	Router     *Router
	Hints      *HintExtractor
	Reranker   *Reranker
}

type AnswerUseCase struct {
	normalizer *Normalizer
	router     *Router
	hints      *HintExtractor
	reranker   *Reranker

	embedder  ports.Embedder
	index     ports.VectorIndex
	generator ports.AnswerGenerator
	cache     ports.ResponseCache

	cfg     AnswerConfig
	version atomic.Value
	now     func() time.Time
}

func NewAnswerUseCase(
	components AnswerComponents,
	embedder ports.Embedder,
	index ports.VectorIndex,
	generator ports.AnswerGenerator,
	cache ports.ResponseCache,
	cfg AnswerConfig,
) *AnswerUseCase {
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.FinalK <= 0 {
		cfg.FinalK = defaultFinalK
	}
	if cfg.TopK < cfg.FinalK {
		cfg.TopK = cfg.FinalK
	}

	uc := &AnswerUseCase{
		normalizer: components.Normalizer,
		router:     components.Router,
		hints:      components.Hints,
		reranker:   components.Reranker,
		embedder:   embedder,
		index:      index,
		generator:  generator,
		cache:      cache,
		cfg:        cfg,
		now:        time.Now,
	}
	uc.version.Store(cfg.CorpusVersion)
	return uc
}

func (uc *AnswerUseCase) CorpusVersion() string {
	v, _ := uc.version.Load().(string)
	return v
}

// ApplyCorpusVersion records a new corpus version and drops every cached bundle.
func (uc *AnswerUseCase) ApplyCorpusVersion(ctx context.Context, version string) error {
	if version == "" || version == uc.CorpusVersion() {
		return nil
	}
	uc.version.Store(version)
	if err := uc.cache.Clear(ctx); err != nil {
		return domain.WrapError(domain.ErrTemporary, "clear cache on corpus update", err)
	}
	slog.Info("corpus_version_applied", "version", version)
	return nil
}

func (uc *AnswerUseCase) ClearCache(ctx context.Context) error {
	if err := uc.cache.Clear(ctx); err != nil {
		return domain.WrapError(domain.ErrTemporary, "clear cache", err)
	}
	return nil
}

func (uc *AnswerUseCase) Answer(
	ctx context.Context,
	question string,
	opts ports.AnswerOptions,
) (*domain.ResponseBundle, ports.AnswerMeta, error) {
	var meta ports.AnswerMeta

	query, err := uc.normalizer.Normalize(question)
	if err != nil {
		return nil, meta, err
	}
	meta.InjectionFlags = query.Flags

	override, hasOverride := uc.resolveOverride(opts.Domain)
	version := uc.CorpusVersion()

	if entry := uc.cached(ctx, query.Text, override, hasOverride, version); entry != nil {
		bundle := cloneBundle(entry.Bundle)
		meta.CacheHit = true
		meta.Routed = domain.RouteDecision{Domain: bundle.Domain}
		if !bundle.Grounded {
			meta.Fallback = FallbackNoEvidence
		}
		return &bundle, meta, nil
	}

	queryVector, err := uc.embedder.EmbedQuery(ctx, query.Text)
	if err != nil {
		return uc.degraded(override, "embed query", err, &meta)
	}

	decision := domain.RouteDecision{Domain: override, Confidence: 1}
	if !hasOverride {
		decision, err = uc.router.Route(ctx, query.Text, queryVector)
		if err != nil {
			return uc.degraded(domain.DomainUnknown, "route query", err, &meta)
		}
	}
	meta.Routed = decision

	candidates, err := uc.retrieve(ctx, decision.Domain, queryVector)
	if domain.IsKind(err, domain.ErrDomainNotFound) {
		slog.Warn("domain_partition_missing", "domain", decision.Domain, "error", err)
		decision.Domain = domain.DomainUnknown
		meta.Routed.Domain = domain.DomainUnknown
		candidates, err = uc.retrieve(ctx, domain.DomainUnknown, queryVector)
	}
	if err != nil {
		return uc.degraded(decision.Domain, "search index", err, &meta)
	}

	candidates = uc.aboveFloor(candidates)
	meta.Candidates = len(candidates)
	ranked := uc.reranker.Rerank(uc.hints.Extract(query.Text), candidates, uc.cfg.FinalK)

	var bundle domain.ResponseBundle
	if len(ranked) == 0 {
		bundle = noEvidenceBundle(decision.Domain)
		meta.Fallback = FallbackNoEvidence
	} else {
		gen, err := uc.generator.GenerateAnswer(ctx, query.Text, decision.Domain, ranked)
		if err != nil {
			return uc.degraded(decision.Domain, "generate answer", err, &meta)
		}
		bundle = domain.ResponseBundle{
			Answer:        gen.Text,
			Domain:        decision.Domain,
			CitedChunkIDs: resolveCitations(gen.CitedChunkIDs, ranked),
			Grounded:      true,
		}
	}

	uc.store(ctx, domain.CacheKey{Query: query.Text, Domain: decision.Domain}, bundle, !hasOverride, version)
	out := cloneBundle(bundle)
	return &out, meta, nil
}

func (uc *AnswerUseCase) WarmUp(ctx context.Context, queries []string) int {
	warmed := 0
	for _, q := range queries {
		if ctx.Err() != nil {
			break
		}
		_, meta, err := uc.Answer(ctx, q, ports.AnswerOptions{})
		if err != nil {
			slog.Warn("cache_warmup_query_rejected", "query", q, "error", err)
			continue
		}
		if meta.Fallback == FallbackDegraded {
			slog.Warn("cache_warmup_query_degraded", "query", q)
			continue
		}
		warmed++
	}
	slog.Info("cache_warmup_completed", "requested", len(queries), "warmed", warmed)
	return warmed
}

func (uc *AnswerUseCase) Stats(ctx context.Context) (*domain.Stats, error) {
	stats := &domain.Stats{
		Domains:       make([]domain.DomainStats, 0, len(uc.router.Priority())),
		CorpusVersion: uc.CorpusVersion(),
	}
	for _, d := range uc.router.Priority() {
		n, err := uc.index.Count(ctx, d)
		if err != nil {
			return nil, domain.WrapError(domain.ErrRetrievalUnavailable, "count partition", err)
		}
		stats.Domains = append(stats.Domains, domain.DomainStats{Domain: d, Chunks: n})
		stats.TotalChunks += n
	}
	n, err := uc.cache.Len(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "count cache entries", err)
	}
	stats.CacheEntries = n
	return stats, nil
}

// resolveOverride maps a caller-supplied domain. An unconfigured value is logged and
// treated as unknown; it still counts as an override so routing is skipped.
func (uc *AnswerUseCase) resolveOverride(raw string) (domain.Domain, bool) {
	if raw == "" {
		return domain.DomainUnknown, false
	}
	d, err := domain.ParseDomain(raw)
	if err != nil {
		slog.Warn("domain_override_not_configured", "domain", raw, "error", err)
		return domain.DomainUnknown, true
	}
	return d, true
}

func (uc *AnswerUseCase) cached(
	ctx context.Context,
	query string,
	override domain.Domain,
	hasOverride bool,
	version string,
) *domain.CacheEntry {
	var (
		entry *domain.CacheEntry
		ok    bool
		err   error
	)
	if hasOverride {
		entry, ok, err = uc.cache.Get(ctx, domain.CacheKey{Query: query, Domain: override})
	} else {
		entry, ok, err = uc.cache.Lookup(ctx, query)
	}
	if err != nil {
		slog.Warn("cache_read_failed", "error", err)
		return nil
	}
	if !ok || entry == nil {
		return nil
	}
	if entry.CorpusVersion != version {
		slog.Info("cache_entry_stale", "domain", entry.Key.Domain, "entry_version", entry.CorpusVersion, "version", version)
		return nil
	}
	return entry
}

func (uc *AnswerUseCase) store(
	ctx context.Context,
	key domain.CacheKey,
	bundle domain.ResponseBundle,
	routed bool,
	version string,
) {
	err := uc.cache.Put(ctx, domain.CacheEntry{
		Key:           key,
		Bundle:        cloneBundle(bundle),
		CorpusVersion: version,
		Routed:        routed,
		CreatedAt:     uc.now().UTC(),
	})
	if err != nil {
		slog.Warn("cache_write_failed", "domain", key.Domain, "error", err)
	}
}

func (uc *AnswerUseCase) retrieve(ctx context.Context, d domain.Domain, vec []float32) ([]domain.Candidate, error) {
	if d.IsKnown() {
		return uc.index.Search(ctx, d, vec, uc.cfg.TopK)
	}

	partitions := uc.router.Priority()
	results := make([][]domain.Candidate, len(partitions))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range partitions {
		g.Go(func() error {
			found, err := uc.index.Search(gctx, p, vec, uc.cfg.TopK)
			if domain.IsKind(err, domain.ErrDomainNotFound) {
				slog.Warn("domain_partition_missing", "domain", p, "error", err)
				return nil
			}
			if err != nil {
				return err
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return mergeCandidates(results, uc.cfg.TopK), nil
}

// mergeCandidates combines per-partition results by similarity desc, then partition
// priority, then per-partition rank.
func mergeCandidates(perPartition [][]domain.Candidate, topK int) []domain.Candidate {
	type tagged struct {
		c         domain.Candidate
		partition int
	}
	all := make([]tagged, 0, topK*len(perPartition))
	for p, list := range perPartition {
		for _, c := range list {
			all = append(all, tagged{c: c, partition: p})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].c.Similarity != all[j].c.Similarity {
			return all[i].c.Similarity > all[j].c.Similarity
		}
		if all[i].partition != all[j].partition {
			return all[i].partition < all[j].partition
		}
		return all[i].c.Rank < all[j].c.Rank
	})
	if topK > 0 && len(all) > topK {
		all = all[:topK]
	}
	out := make([]domain.Candidate, len(all))
	for i, t := range all {
		out[i] = t.c
		out[i].Rank = i
	}
	return out
}

func (uc *AnswerUseCase) aboveFloor(candidates []domain.Candidate) []domain.Candidate {
	out := make([]domain.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Similarity >= uc.cfg.MinSimilarity {
			out = append(out, c)
		}
	}
	return out
}

func (uc *AnswerUseCase) degraded(
	d domain.Domain,
	op string,
	err error,
	meta *ports.AnswerMeta,
) (*domain.ResponseBundle, ports.AnswerMeta, error) {
	attrs := []any{"op", op, "domain", d, "error", err}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		attrs = append(attrs, "timeout", true)
	}
	slog.Error("answer_degraded", attrs...)

	meta.Fallback = FallbackDegraded
	bundle := degradedBundle(d)
	return &bundle, *meta, nil
}

// resolveCitations keeps generator citations that name a ranked chunk. When none
// survive, every ranked chunk is cited.
func resolveCitations(cited []string, ranked []domain.RankedResult) []string {
	known := make(map[string]struct{}, len(ranked))
	for _, r := range ranked {
		known[r.Chunk.ID] = struct{}{}
	}
	out := make([]string, 0, len(ranked))
	seen := make(map[string]struct{}, len(cited))
	for _, id := range cited {
		if _, ok := known[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) > 0 {
		return out
	}
	for _, r := range ranked {
		out = append(out, r.Chunk.ID)
	}
	return out
}
