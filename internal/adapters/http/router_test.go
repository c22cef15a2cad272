package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kirillkom/insurance-faq-rag/internal/config"
	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
	"github.com/kirillkom/insurance-faq-rag/internal/core/ports"
	"github.com/kirillkom/insurance-faq-rag/internal/observability/metrics"
)

type faqFake struct {
	bundle    *domain.ResponseBundle
	meta      ports.AnswerMeta
	err       error
	clearErr  error
	stats     *domain.Stats
	questions []string
	overrides []string
	cleared   int
}

func (f *faqFake) Answer(_ context.Context, question string, opts ports.AnswerOptions) (*domain.ResponseBundle, ports.AnswerMeta, error) {
	f.questions = append(f.questions, question)
	f.overrides = append(f.overrides, opts.Domain)
	if f.err != nil {
		return nil, ports.AnswerMeta{}, f.err
	}
	return f.bundle, f.meta, nil
}

func (f *faqFake) ClearCache(context.Context) error {
	f.cleared++
	return f.clearErr
}

func (f *faqFake) Stats(context.Context) (*domain.Stats, error) {
	return f.stats, nil
}

func newTestHandler(t *testing.T, cfg config.Config, faq ports.FAQService, m *metrics.HTTPServerMetrics) http.Handler {
	return newTestHandlerWithIngest(t, cfg, faq, nil, m)
}

func newTestHandlerWithIngest(
	t *testing.T,
	cfg config.Config,
	faq ports.FAQService,
	ingest ports.ChunkIngestor,
	m *metrics.HTTPServerMetrics,
) http.Handler {
	t.Helper()
	router, err := NewRouter(cfg, faq, ingest, m)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return router.Handler()
}

func postJSON(handler http.Handler, path string, payload any) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestQueryFAQReturnsBundleWithCacheHeader(t *testing.T) {
	faq := &faqFake{
		bundle: &domain.ResponseBundle{
			Answer:        "Premi SmartHome dibayar tahunan.",
			Domain:        domain.DomainProductSales,
			CitedChunkIDs: []string{"ps-001"},
			Grounded:      true,
		},
	}
	handler := newTestHandler(t, config.Config{}, faq, nil)

	res := postJSON(handler, "/v1/faq/query", map[string]any{"question": "berapa premi smarthome", "domain": "PRODUCT_SALES"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if got := res.Header().Get("X-Cache"); got != "miss" {
		t.Fatalf("expected X-Cache miss, got %q", got)
	}
	if res.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}

	var bundle domain.ResponseBundle
	if err := json.NewDecoder(res.Body).Decode(&bundle); err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	if bundle.Domain != domain.DomainProductSales || !bundle.Grounded || len(bundle.CitedChunkIDs) != 1 {
		t.Fatalf("unexpected bundle: %+v", bundle)
	}
	if faq.overrides[0] != "PRODUCT_SALES" {
		t.Fatalf("expected domain override to reach the service, got %q", faq.overrides[0])
	}

	faq.meta.CacheHit = true
	res = postJSON(handler, "/v1/faq/query", map[string]any{"question": "berapa premi smarthome"})
	if got := res.Header().Get("X-Cache"); got != "hit" {
		t.Fatalf("expected X-Cache hit, got %q", got)
	}
}

func TestQueryFAQMapsValidationErrorTo400WithMessage(t *testing.T) {
	faq := &faqFake{err: domain.NewValidationError("empty", "Silakan masukkan pertanyaan yang valid.")}
	m := metrics.NewHTTPServerMetrics(serviceName)
	handler := newTestHandler(t, config.Config{}, faq, m)

	res := postJSON(handler, "/v1/faq/query", map[string]any{"question": "   "})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}

	var body errorResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.Error != "validation_error" || body.Message != "Silakan masukkan pertanyaan yang valid." || body.Reason != "empty" {
		t.Fatalf("unexpected error body: %+v", body)
	}

	scrape := httptest.NewRecorder()
	handler.ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	payload, _ := io.ReadAll(scrape.Body)
	if !strings.Contains(string(payload), `faq_normalizer_rejected_total{reason="empty",service="faq-api"} 1`) {
		t.Fatalf("expected validation rejection metric, got:\n%s", payload)
	}
}

func TestQueryFAQRejectsRequestsOutsideContract(t *testing.T) {
	faq := &faqFake{}
	handler := newTestHandler(t, config.Config{}, faq, nil)

	res := postJSON(handler, "/v1/faq/query", map[string]any{"domain": "PRODUCT_SALES"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing question, got %d", res.Code)
	}
	res = postJSON(handler, "/v1/faq/query", map[string]any{"question": 42})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-string question, got %d", res.Code)
	}
	if len(faq.questions) != 0 {
		t.Fatalf("service must not be called for invalid requests, got %d calls", len(faq.questions))
	}
}

func TestQueryFAQMapsUnavailableTo503(t *testing.T) {
	faq := &faqFake{err: domain.WrapError(domain.ErrTemporary, "answer", errors.New("down"))}
	handler := newTestHandler(t, config.Config{}, faq, nil)

	res := postJSON(handler, "/v1/faq/query", map[string]any{"question": "klaim"})
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
}

func TestStatsAndCacheClear(t *testing.T) {
	faq := &faqFake{stats: &domain.Stats{
		Domains:       []domain.DomainStats{{Domain: domain.DomainProductSales, Chunks: 2}},
		TotalChunks:   2,
		CacheEntries:  1,
		CorpusVersion: "v1",
	}}
	handler := newTestHandler(t, config.Config{}, faq, nil)

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var stats domain.Stats
	if err := json.NewDecoder(res.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalChunks != 2 || stats.CorpusVersion != "v1" {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/cache/clear", nil))
	if res.Code != http.StatusOK || faq.cleared != 1 {
		t.Fatalf("expected cache clear, got code=%d cleared=%d", res.Code, faq.cleared)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/cache/clear", nil))
	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
}

type ingestFake struct {
	chunks []domain.Chunk
}

func (f *ingestFake) Ingest(_ context.Context, chunks []domain.Chunk) (ports.IngestReport, error) {
	f.chunks = append(f.chunks, chunks...)
	return ports.IngestReport{
		Indexed:       map[domain.Domain]int{domain.DomainProductSales: len(chunks)},
		CorpusVersion: "v2",
	}, nil
}

func TestIngestChunksOnlyServedWithIngestor(t *testing.T) {
	payload := map[string]any{"chunks": []map[string]any{{
		"id":       "ps-100",
		"text":     "SmartHome melindungi rumah dari kebakaran.",
		"domain":   "PRODUCT_SALES",
		"metadata": map[string]string{"product_name": "SmartHome"},
	}}}

	res := postJSON(newTestHandler(t, config.Config{}, &faqFake{}, nil), "/v1/chunks", payload)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without ingestor, got %d", res.Code)
	}

	ingest := &ingestFake{}
	handler := newTestHandlerWithIngest(t, config.Config{}, &faqFake{}, ingest, nil)
	res = postJSON(handler, "/v1/chunks", payload)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var report ports.IngestReport
	if err := json.NewDecoder(res.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.CorpusVersion != "v2" || report.Indexed[domain.DomainProductSales] != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(ingest.chunks) != 1 || ingest.chunks[0].Meta(domain.FieldProductName) != "SmartHome" {
		t.Fatalf("unexpected ingested chunks: %+v", ingest.chunks)
	}

	res = postJSON(handler, "/v1/chunks", map[string]any{"chunks": []map[string]any{{"id": "x"}}})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for chunk missing required fields, got %d", res.Code)
	}
}

type corpusAdminFake struct {
	ingestFake
	purged int
	field  string
	value  string
	limit  int
	found  []domain.Chunk
}

func (f *corpusAdminFake) Purge(context.Context) (ports.PurgeReport, error) {
	f.purged++
	return ports.PurgeReport{CorpusVersion: "v3"}, nil
}

func (f *corpusAdminFake) FindByMetadata(_ context.Context, field, value string, limit int) ([]domain.Chunk, error) {
	f.field, f.value, f.limit = field, value, limit
	if field == "colour" {
		return nil, domain.NewValidationError("metadata_field", "Field metadata tidak dikenal.")
	}
	return f.found, nil
}

func TestListChunksByMetadata(t *testing.T) {
	admin := &corpusAdminFake{found: []domain.Chunk{{ID: "ps-002", Text: "SmartHome", Domain: domain.DomainProductSales}}}
	handler := newTestHandlerWithIngest(t, config.Config{}, &faqFake{}, admin, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/chunks?field=product_name&value=SmartHome&limit=5", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var list chunkList
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Chunks) != 1 || list.Chunks[0].ID != "ps-002" {
		t.Fatalf("unexpected list %+v", list)
	}
	if admin.field != "product_name" || admin.value != "SmartHome" || admin.limit != 5 {
		t.Fatalf("unexpected arguments field=%q value=%q limit=%d", admin.field, admin.value, admin.limit)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/chunks?field=colour&value=blue", nil)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusBadRequest || !strings.Contains(res.Body.String(), "metadata_field") {
		t.Fatalf("expected 400 metadata_field, got %d: %s", res.Code, res.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/chunks?value=SmartHome", nil)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing field parameter, got %d", res.Code)
	}
}

func TestPurgeChunksReturnsNewVersion(t *testing.T) {
	admin := &corpusAdminFake{}
	handler := newTestHandlerWithIngest(t, config.Config{}, &faqFake{}, admin, nil)

	req := httptest.NewRequest(http.MethodDelete, "/v1/chunks", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var report ports.PurgeReport
	if err := json.NewDecoder(res.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.CorpusVersion != "v3" || admin.purged != 1 {
		t.Fatalf("unexpected purge report=%+v calls=%d", report, admin.purged)
	}

	// A plain ingestor exposes neither listing nor purge.
	plain := newTestHandlerWithIngest(t, config.Config{}, &faqFake{}, &ingestFake{}, nil)
	req = httptest.NewRequest(http.MethodDelete, "/v1/chunks", nil)
	res = httptest.NewRecorder()
	plain.ServeHTTP(res, req)
	if res.Code == http.StatusOK {
		t.Fatalf("expected purge to be unavailable without admin support")
	}
}
