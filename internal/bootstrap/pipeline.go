package bootstrap

import (
	"context"

	"github.com/kirillkom/insurance-faq-rag/internal/config"
	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
	"github.com/kirillkom/insurance-faq-rag/internal/core/ports"
	"github.com/kirillkom/insurance-faq-rag/internal/core/usecase"
)

// Components builds the in-process pipeline stages from a resolved retrieval profile.
func Components(profile *config.ResolvedProfile, embedder ports.Embedder) usecase.AnswerComponents {
	exemplars := make(map[domain.Domain][]string, len(profile.Router.Domains))
	keywords := make(map[domain.Domain][]string, len(profile.Router.Domains))
	for d, dp := range profile.Router.Domains {
		exemplars[d] = dp.Exemplars
		keywords[d] = dp.Keywords
	}

	return usecase.AnswerComponents{
		Normalizer: usecase.NewNormalizer(usecase.NormalizerConfig{
			MaxWords:         profile.Normalizer.MaxWords,
			InjectionPhrases: profile.Normalizer.InjectionPhrases,
		}),
		Router: usecase.NewRouter(embedder, usecase.RouterConfig{
			EmbeddingWeight:   profile.Router.EmbeddingWeight,
			KeywordWeight:     profile.Router.KeywordWeight,
			KeywordSaturation: profile.Router.KeywordSaturation,
			MinConfidence:     profile.Router.MinConfidence,
			Priority:          profile.Router.Priority,
			Exemplars:         exemplars,
			Keywords:          keywords,
		}),
		Hints: usecase.NewHintExtractor(profile.Hints),
		Reranker: usecase.NewReranker(usecase.RerankConfig{
			SimilarityWeight: profile.Rerank.SimilarityWeight,
			Weights:          profile.Rerank.Weights,
		}),
	}
}

func answerConfig(cfg config.Config, profile *config.ResolvedProfile) usecase.AnswerConfig {
	return usecase.AnswerConfig{
		TopK:          cfg.RAGTopK,
		FinalK:        cfg.RAGFinalK,
		MinSimilarity: profile.Rerank.MinSimilarity,
		CorpusVersion: cfg.CorpusVersion,
	}
}

// corpusNotifier applies a new corpus version to the local pipeline before announcing
// it to other processes. remote may be nil when messaging is disabled.
type corpusNotifier struct {
	local  *usecase.AnswerUseCase
	remote ports.CorpusEvents
}

func (n corpusNotifier) PublishCorpusUpdated(ctx context.Context, version string) error {
	if err := n.local.ApplyCorpusVersion(ctx, version); err != nil {
		return err
	}
	if n.remote == nil {
		return nil
	}
	return n.remote.PublishCorpusUpdated(ctx, version)
}

// SubscribeCorpusUpdated blocks until ctx is done.
func (n corpusNotifier) SubscribeCorpusUpdated(ctx context.Context, handler func(context.Context, string) error) error {
	if n.remote == nil {
		<-ctx.Done()
		return nil
	}
	return n.remote.SubscribeCorpusUpdated(ctx, handler)
}
