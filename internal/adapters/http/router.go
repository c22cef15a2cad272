package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/getkin/kin-openapi/routers"

	"github.com/kirillkom/insurance-faq-rag/internal/config"
	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
	"github.com/kirillkom/insurance-faq-rag/internal/core/ports"
	"github.com/kirillkom/insurance-faq-rag/internal/observability/metrics"
)

const (
	serviceName   = "faq-api"
	cacheHeader   = "X-Cache"
	queryEndpoint = "/v1/faq/query"
)

type Router struct {
	cfg      config.Config
	faq      ports.FAQService
	ingest   ports.ChunkIngestor
	metrics  *metrics.HTTPServerMetrics
	contract routers.Router
}

// NewRouter wires the FAQ service behind the HTTP contract. ingest and m may be nil;
// without an ingestor the chunk endpoints are not served. Listing and purge are
// served only when ingest also implements ports.CorpusAdmin.
func NewRouter(
	cfg config.Config,
	faq ports.FAQService,
	ingest ports.ChunkIngestor,
	m *metrics.HTTPServerMetrics,
) (*Router, error) {
	contract, err := loadOpenAPIRouter()
	if err != nil {
		return nil, domain.WrapError(domain.ErrConfig, "init http router", err)
	}
	return &Router{
		cfg:      cfg,
		faq:      faq,
		ingest:   ingest,
		metrics:  m,
		contract: contract,
	}, nil
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST "+queryEndpoint, rt.queryFAQ)
	api.HandleFunc("POST /v1/cache/clear", rt.clearCache)
	api.HandleFunc("GET /v1/stats", rt.stats)
	if rt.ingest != nil {
		api.HandleFunc("POST /v1/chunks", rt.ingestChunks)
	}
	if admin, ok := rt.ingest.(ports.CorpusAdmin); ok {
		api.HandleFunc("GET /v1/chunks", rt.listChunks(admin))
		api.HandleFunc("DELETE /v1/chunks", rt.purgeChunks(admin))
	}

	var guarded http.Handler = openAPIValidationMiddleware(rt.contract, api)
	guarded = rateLimitMiddleware(guarded, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst, rt.recordRejected)
	guarded = backpressureMiddleware(
		guarded,
		rt.cfg.APIMaxInFlight,
		time.Duration(rt.cfg.APIBackpressureWaitMillis)*time.Millisecond,
		rt.recordRejected,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}
	mux.Handle("/", guarded)

	var handler http.Handler = mux
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type queryRequest struct {
	Question string `json:"question"`
	Domain   string `json:"domain,omitempty"`
}

func (rt *Router) queryFAQ(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_json", Message: "Format permintaan tidak valid."})
		return
	}

	ctx := r.Context()
	if rt.cfg.RequestTimeoutSecond > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(rt.cfg.RequestTimeoutSecond)*time.Second)
		defer cancel()
	}

	start := time.Now()
	bundle, meta, err := rt.faq.Answer(ctx, req.Question, ports.AnswerOptions{Domain: req.Domain})
	if err != nil {
		rt.recordValidation(err)
		status := mapErrorToHTTPStatus(err)
		if status >= http.StatusInternalServerError {
			slog.Error("faq_query_failed", "request_id", requestIDFromContext(ctx), "error", err)
		}
		writeJSON(w, status, errorBody(err))
		return
	}

	if rt.metrics != nil {
		rt.metrics.RecordAnswer(serviceName, metrics.AnswerObservation{
			Endpoint:   queryEndpoint,
			Domain:     bundle.Domain.String(),
			Outcome:    meta.Fallback,
			CacheHit:   meta.CacheHit,
			Candidates: meta.Candidates,
			Injections: len(meta.InjectionFlags),
			Duration:   time.Since(start),
		})
	}

	if meta.CacheHit {
		w.Header().Set(cacheHeader, "hit")
	} else {
		w.Header().Set(cacheHeader, "miss")
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (rt *Router) clearCache(w http.ResponseWriter, r *http.Request) {
	if err := rt.faq.ClearCache(r.Context()); err != nil {
		slog.Error("cache_clear_failed", "request_id", requestIDFromContext(r.Context()), "error", err)
		writeJSON(w, mapErrorToHTTPStatus(err), errorBody(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (rt *Router) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := rt.faq.Stats(r.Context())
	if err != nil {
		slog.Error("stats_failed", "request_id", requestIDFromContext(r.Context()), "error", err)
		writeJSON(w, mapErrorToHTTPStatus(err), errorBody(err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type ingestRequest struct {
	Chunks []domain.Chunk `json:"chunks"`
}

func (rt *Router) ingestChunks(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_json", Message: "Format permintaan tidak valid."})
		return
	}

	report, err := rt.ingest.Ingest(r.Context(), req.Chunks)
	if err != nil {
		slog.Error("chunk_ingest_failed", "request_id", requestIDFromContext(r.Context()), "error", err)
		writeJSON(w, mapErrorToHTTPStatus(err), errorBody(err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type chunkList struct {
	Chunks []domain.Chunk `json:"chunks"`
}

func (rt *Router) listChunks(admin ports.CorpusAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 0
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: "Parameter limit tidak valid."})
				return
			}
			limit = n
		}

		chunks, err := admin.FindByMetadata(r.Context(), q.Get("field"), q.Get("value"), limit)
		if err != nil {
			status := mapErrorToHTTPStatus(err)
			if status >= http.StatusInternalServerError {
				slog.Error("chunk_list_failed", "request_id", requestIDFromContext(r.Context()), "error", err)
			}
			writeJSON(w, status, errorBody(err))
			return
		}
		if chunks == nil {
			chunks = []domain.Chunk{}
		}
		writeJSON(w, http.StatusOK, chunkList{Chunks: chunks})
	}
}

func (rt *Router) purgeChunks(admin ports.CorpusAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := admin.Purge(r.Context())
		if err != nil {
			slog.Error("chunk_purge_failed", "request_id", requestIDFromContext(r.Context()), "error", err)
			writeJSON(w, mapErrorToHTTPStatus(err), errorBody(err))
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func (rt *Router) recordRejected(reason string) {
	if rt.metrics != nil {
		rt.metrics.RecordRejected(serviceName, reason)
	}
}

func (rt *Router) recordValidation(err error) {
	var validation *domain.ValidationError
	if rt.metrics == nil || !errors.As(err, &validation) {
		return
	}
	rt.metrics.RecordValidationRejected(serviceName, validation.Reason)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
