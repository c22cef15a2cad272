package usecase

import (
	"testing"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
)

func candidate(id string, sim float64, meta map[domain.MetadataField]string) domain.Candidate {
	return domain.Candidate{Chunk: domain.Chunk{ID: id, Text: id, Metadata: meta}, Similarity: sim}
}

func TestRerankMetadataBoostChangesOrder(t *testing.T) {
	reranker := NewReranker(testRerankConfig())
	hints := NewHintExtractor(testHintVocab()).Extract("berapa premi smarthome?")

	candidates := []domain.Candidate{
		candidate("generic", 0.80, nil),
		candidate("smarthome", 0.70, map[domain.MetadataField]string{domain.FieldProductName: "SmartHome"}),
	}
	out := reranker.Rerank(hints, candidates, 2)
	if len(out) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out))
	}
	if out[0].Chunk.ID != "smarthome" {
		t.Fatalf("expected product-name boost to win, got %s", out[0].Chunk.ID)
	}
	if len(out[0].Reasons) == 0 || out[0].Reasons[0] != string(domain.FieldProductName) {
		t.Fatalf("expected product_name reason, got %v", out[0].Reasons)
	}
	if out[0].Rank != 0 || out[1].Rank != 1 {
		t.Fatalf("unexpected ranks %d, %d", out[0].Rank, out[1].Rank)
	}
}

func TestRerankLengthIsMinOfFinalKAndInput(t *testing.T) {
	reranker := NewReranker(testRerankConfig())
	hints := QueryHints{}

	candidates := []domain.Candidate{
		candidate("a", 0.9, nil),
		candidate("b", 0.8, nil),
		candidate("c", 0.7, nil),
	}
	for _, k := range []int{1, 2, 3, 5} {
		out := reranker.Rerank(hints, candidates, k)
		want := min(k, len(candidates))
		if len(out) != want {
			t.Fatalf("finalK=%d: expected %d results, got %d", k, want, len(out))
		}
		for i := 1; i < len(out); i++ {
			if out[i-1].Score < out[i].Score {
				t.Fatalf("results not in non-increasing score order: %v", out)
			}
		}
	}
}

func TestRerankTiesKeepSimilarityOrder(t *testing.T) {
	reranker := NewReranker(testRerankConfig())

	candidates := []domain.Candidate{
		candidate("first", 0.5, nil),
		candidate("second", 0.5, nil),
		candidate("third", 0.5, nil),
	}
	out := reranker.Rerank(QueryHints{}, candidates, 3)
	for i, want := range []string{"first", "second", "third"} {
		if out[i].Chunk.ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, out[i].Chunk.ID)
		}
	}
}

func TestRerankHandlesEmptyInput(t *testing.T) {
	out := NewReranker(testRerankConfig()).Rerank(QueryHints{}, nil, 3)
	if out == nil || len(out) != 0 {
		t.Fatalf("expected empty non-nil output, got %v", out)
	}
}

func TestRerankQuestionOverlapBoost(t *testing.T) {
	reranker := NewReranker(testRerankConfig())
	hints := NewHintExtractor(nil).Extract("bagaimana cara membayar premi?")

	candidates := []domain.Candidate{
		candidate("other", 0.62, map[domain.MetadataField]string{domain.FieldQuestionOriginal: "Dimana alamat kantor?"}),
		candidate("match", 0.60, map[domain.MetadataField]string{domain.FieldQuestionOriginal: "Bagaimana cara membayar premi?"}),
	}
	out := reranker.Rerank(hints, candidates, 1)
	if len(out) != 1 || out[0].Chunk.ID != "match" {
		t.Fatalf("expected question overlap to promote match, got %v", out)
	}
}

func TestMetadataMatchesValueInQuery(t *testing.T) {
	if !metadataMatches("rawat inap", nil, "apa manfaat rawat inap") {
		t.Fatalf("expected value contained in query to match")
	}
	if metadataMatches("rawat", nil, "perawatan rumah") {
		t.Fatalf("expected token-bounded containment")
	}
	if !metadataMatches("smarthome", []string{"smart home"}, "") {
		t.Fatalf("expected compact hint to match compact value")
	}
}
