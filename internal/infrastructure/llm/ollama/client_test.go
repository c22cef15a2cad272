package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
	"github.com/kirillkom/insurance-faq-rag/internal/infrastructure/resilience"
)

func rankedFixture() []domain.RankedResult {
	return []domain.RankedResult{
		{Chunk: domain.Chunk{ID: "ps-001", Text: "Premi dapat dibayar melalui transfer bank.", Metadata: map[domain.MetadataField]string{domain.FieldCategoryTopic: "premi"}}, Score: 1.2},
		{Chunk: domain.Chunk{ID: "ps-002", Text: "SmartHome melindungi rumah."}, Score: 0.8},
	}
}

func TestGeneratorBuildsContextPromptAndParsesCitations(t *testing.T) {
	var capturedPrompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		capturedPrompt, _ = payload["prompt"].(string)
		_, _ = w.Write([]byte(`{"response":"Premi dapat dibayar via transfer bank [2] [1]."}`))
	}))
	defer server.Close()

	gen := NewGenerator(New(server.URL, Options{GenModel: "gen", EmbedModel: "embed"}))
	out, err := gen.GenerateAnswer(context.Background(), "bagaimana cara membayar premi?", domain.DomainProductSales, rankedFixture())
	if err != nil {
		t.Fatalf("GenerateAnswer() error = %v", err)
	}
	if !strings.Contains(capturedPrompt, "bagaimana cara membayar premi?") || !strings.Contains(capturedPrompt, "Premi dapat dibayar") {
		t.Fatalf("unexpected prompt: %s", capturedPrompt)
	}
	if !strings.Contains(capturedPrompt, "PRODUCT_SALES") || !strings.Contains(capturedPrompt, "topik=premi") {
		t.Fatalf("expected domain and metadata in prompt: %s", capturedPrompt)
	}
	if len(out.CitedChunkIDs) != 2 || out.CitedChunkIDs[0] != "ps-002" || out.CitedChunkIDs[1] != "ps-001" {
		t.Fatalf("unexpected citations %v", out.CitedChunkIDs)
	}
	if strings.Contains(out.Text, "[1]") {
		t.Fatalf("expected markers stripped, got %q", out.Text)
	}
}

func TestParseCitationsFallsBackToAllPassages(t *testing.T) {
	got := parseCitations("Jawaban tanpa sitasi [9].", rankedFixture())
	if len(got) != 2 || got[0] != "ps-001" || got[1] != "ps-002" {
		t.Fatalf("unexpected citations %v", got)
	}
}

func TestEmbedderAppliesModePrefixes(t *testing.T) {
	var inputs []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		inputs = append(inputs, payload.Input...)
		vectors := make([][]float32, len(payload.Input))
		for i := range vectors {
			vectors[i] = []float32{0.1, 0.2}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": vectors})
	}))
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, Options{EmbedModel: "e5"}), "query: ", "passage: ")
	if _, err := embedder.EmbedQuery(context.Background(), "premi"); err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if _, err := embedder.Embed(context.Background(), []string{"isi premi"}); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(inputs) != 2 || inputs[0] != "query: premi" || inputs[1] != "passage: isi premi" {
		t.Fatalf("unexpected inputs %v", inputs)
	}
}

func TestEmbedIncludesHTTPBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, Options{EmbedModel: "embed"}), "", "")
	_, err := embedder.Embed(context.Background(), []string{"hello"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected 502 to be classified temporary, got %v", err)
	}
}

func TestEmbedRetriesThroughExecutor(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"embeddings":[[0.5,0.5]]}`))
	}))
	defer server.Close()

	exec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
		BreakerEnabled:      false,
	})
	embedder := NewEmbedder(New(server.URL, Options{EmbedModel: "embed", ResilienceExecutor: exec}), "query: ", "passage: ")
	vec, err := embedder.EmbedQuery(context.Background(), "premi")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if len(vec) != 2 || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected retry to succeed, vec=%v calls=%d", vec, calls)
	}
}

func TestEmbedTimeoutIsNotRetried(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	exec := resilience.NewExecutor(resilience.Config{RetryMaxAttempts: 3, BreakerEnabled: false})
	embedder := NewEmbedder(New(server.URL, Options{EmbedTimeout: 20 * time.Millisecond, ResilienceExecutor: exec}), "", "")
	if _, err := embedder.EmbedQuery(context.Background(), "premi"); err == nil {
		t.Fatalf("expected timeout error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}
