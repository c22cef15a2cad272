package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
	"github.com/kirillkom/insurance-faq-rag/internal/infrastructure/resilience"
)

// pointNamespace derives stable point ids from chunk ids so re-ingestion upserts in place.
var pointNamespace = uuid.MustParse("6f1c1a52-3b1e-4f5e-9a43-5d0f4c2b7e11")

var errCollectionMissing = errors.New("qdrant collection missing")

const scrollPageSize = 256

type Options struct {
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

// Client keeps one Qdrant collection per domain partition.
type Client struct {
	baseURL     string
	collections map[domain.Domain]string
	httpClient  *http.Client
	executor    *resilience.Executor

	ensureMu sync.Mutex
	ensured  map[string]int

	// seqMu serialises seq assignment; nextSeq is the next free seq per collection.
	seqMu   sync.Mutex
	nextSeq map[string]int
}

func New(baseURL, collectionPrefix string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	collections := make(map[domain.Domain]string, len(domain.KnownDomains()))
	for _, d := range domain.KnownDomains() {
		collections[d] = CollectionName(collectionPrefix, d)
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		collections: collections,
		httpClient:  &http.Client{Timeout: timeout},
		executor:    opts.ResilienceExecutor,
		ensured:     make(map[string]int),
		nextSeq:     make(map[string]int),
	}
}

// CollectionName is <prefix>_<domain in lower case>, e.g. axa_product_sales.
func CollectionName(prefix string, d domain.Domain) string {
	name := strings.ToLower(string(d))
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		return name
	}
	return prefix + "_" + name
}

func (c *Client) collection(d domain.Domain) (string, error) {
	name, ok := c.collections[d]
	if !ok {
		return "", domain.WrapError(domain.ErrDomainNotFound, "qdrant collection", fmt.Errorf("domain=%q", d))
	}
	return name, nil
}

func (c *Client) IndexChunks(ctx context.Context, d domain.Domain, chunks []domain.Chunk, vectors [][]float32) error {
	collection, err := c.collection(d)
	if err != nil {
		return err
	}
	if len(chunks) == 0 || len(vectors) == 0 {
		return nil
	}
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunks/vectors mismatch")
	}

	if err := c.ensureCollection(ctx, collection, len(vectors[0])); err != nil {
		return err
	}

	seqs, err := c.assignSeqs(ctx, d, collection, chunks)
	if err != nil {
		return err
	}

	type point struct {
		ID      string         `json:"id"`
		Vector  []float32      `json:"vector"`
		Payload map[string]any `json:"payload"`
	}

	points := make([]point, 0, len(chunks))
	for i, chunk := range chunks {
		payload := map[string]any{
			"chunk_id": chunk.ID,
			"domain":   string(chunk.Domain),
			"text":     chunk.Text,
			"seq":      seqs[i],
		}
		for field, value := range chunk.Metadata {
			payload[string(field)] = value
		}
		points = append(points, point{
			ID:      PointID(chunk.ID),
			Vector:  vectors[i],
			Payload: payload,
		})
	}

	url := fmt.Sprintf("%s/collections/%s/points?wait=true", c.baseURL, collection)
	return c.execute(ctx, "qdrant.upsert", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPut, url, map[string]any{"points": points}, nil, "upsert")
	})
}

// assignSeqs keeps the seq of points that already exist and hands out increasing,
// unused seqs to the rest.
func (c *Client) assignSeqs(ctx context.Context, d domain.Domain, collection string, chunks []domain.Chunk) ([]int, error) {
	ids := make([]string, len(chunks))
	for i, chunk := range chunks {
		ids[i] = PointID(chunk.ID)
	}

	c.seqMu.Lock()
	defer c.seqMu.Unlock()

	existing, err := c.existingSeqs(ctx, collection, ids)
	if err != nil {
		return nil, err
	}
	next, ok := c.nextSeq[collection]
	if !ok {
		count, err := c.Count(ctx, d)
		if err != nil {
			return nil, err
		}
		next = count
		for _, seq := range existing {
			next = max(next, seq+1)
		}
	}

	seqs := make([]int, len(chunks))
	assigned := make(map[string]int, len(chunks))
	for i, id := range ids {
		if seq, ok := existing[id]; ok {
			seqs[i] = seq
			continue
		}
		if seq, ok := assigned[id]; ok {
			seqs[i] = seq
			continue
		}
		seqs[i] = next
		assigned[id] = next
		next++
	}
	c.nextSeq[collection] = next
	return seqs, nil
}

func (c *Client) existingSeqs(ctx context.Context, collection string, ids []string) (map[string]int, error) {
	reqBody := map[string]any{
		"ids":          ids,
		"with_payload": []string{"seq"},
		"with_vector":  false,
	}
	var pointsResp struct {
		Result []struct {
			ID      any            `json:"id"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/%s/points", c.baseURL, collection)
	err := c.execute(ctx, "qdrant.retrieve", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, url, reqBody, &pointsResp, "retrieve")
	})
	if errors.Is(err, errCollectionMissing) {
		return map[string]int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve existing points: %w", err)
	}

	out := make(map[string]int, len(pointsResp.Result))
	for _, p := range pointsResp.Result {
		if _, ok := p.Payload["seq"]; ok {
			out[fmt.Sprint(p.ID)] = getIntPayload(p.Payload, "seq")
		}
	}
	return out, nil
}

func (c *Client) Search(ctx context.Context, d domain.Domain, queryVector []float32, topK int) ([]domain.Candidate, error) {
	collection, err := c.collection(d)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []domain.Candidate{}, nil
	}

	reqBody := map[string]any{
		"vector":       queryVector,
		"limit":        topK,
		"with_payload": true,
	}

	var searchResp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, collection)
	err = c.execute(ctx, "qdrant.search", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, url, reqBody, &searchResp, "search")
	})
	if errors.Is(err, errCollectionMissing) {
		return []domain.Candidate{}, nil
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrRetrievalUnavailable, "qdrant search", err)
	}

	type hit struct {
		c   domain.Candidate
		seq int
	}
	hits := make([]hit, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		hits = append(hits, hit{
			c: domain.Candidate{
				Chunk:      chunkFromPayload(r.Payload, d),
				Similarity: r.Score,
			},
			seq: getIntPayload(r.Payload, "seq"),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].c.Similarity != hits[j].c.Similarity {
			return hits[i].c.Similarity > hits[j].c.Similarity
		}
		return hits[i].seq < hits[j].seq
	})

	out := make([]domain.Candidate, len(hits))
	for i, h := range hits {
		out[i] = h.c
		out[i].Rank = i
	}
	return out, nil
}

func (c *Client) Count(ctx context.Context, d domain.Domain) (int, error) {
	collection, err := c.collection(d)
	if err != nil {
		return 0, err
	}

	var countResp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/%s/points/count", c.baseURL, collection)
	err = c.execute(ctx, "qdrant.count", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, url, map[string]any{"exact": true}, &countResp, "count")
	})
	if errors.Is(err, errCollectionMissing) {
		return 0, nil
	}
	if err != nil {
		return 0, domain.WrapError(domain.ErrRetrievalUnavailable, "qdrant count", err)
	}
	return countResp.Result.Count, nil
}

// DeleteAll drops every domain collection.
func (c *Client) DeleteAll(ctx context.Context) error {
	for _, d := range domain.KnownDomains() {
		collection := c.collections[d]
		url := fmt.Sprintf("%s/collections/%s", c.baseURL, collection)
		err := c.execute(ctx, "qdrant.delete_collection", func(ctx context.Context) error {
			return c.doJSON(ctx, http.MethodDelete, url, nil, nil, "delete collection")
		})
		if err != nil && !errors.Is(err, errCollectionMissing) {
			return fmt.Errorf("delete collection %s: %w", collection, err)
		}
		c.ensureMu.Lock()
		delete(c.ensured, collection)
		c.ensureMu.Unlock()
		c.seqMu.Lock()
		delete(c.nextSeq, collection)
		c.seqMu.Unlock()
	}
	return nil
}

// ListByMetadata scrolls each partition with a payload match on field.
func (c *Client) ListByMetadata(ctx context.Context, field domain.MetadataField, value string, limit int) ([]domain.Chunk, error) {
	out := make([]domain.Chunk, 0)
	for _, d := range domain.KnownDomains() {
		remaining := 0
		if limit > 0 {
			remaining = limit - len(out)
		}
		chunks, err := c.scrollByPayload(ctx, d, string(field), value, remaining)
		if err != nil {
			return nil, err
		}
		out = append(out, chunks...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
	}
	return out, nil
}

func (c *Client) scrollByPayload(ctx context.Context, d domain.Domain, key, value string, limit int) ([]domain.Chunk, error) {
	collection, err := c.collection(d)
	if err != nil {
		return nil, err
	}

	type scrolled struct {
		chunk domain.Chunk
		seq   int
	}
	var (
		hits   []scrolled
		offset any
	)
	url := fmt.Sprintf("%s/collections/%s/points/scroll", c.baseURL, collection)
	for {
		reqBody := map[string]any{
			"filter": map[string]any{
				"must": []map[string]any{
					{"key": key, "match": map[string]any{"value": value}},
				},
			},
			"limit":        scrollPageSize,
			"with_payload": true,
			"with_vector":  false,
		}
		if offset != nil {
			reqBody["offset"] = offset
		}

		var scrollResp struct {
			Result struct {
				Points []struct {
					Payload map[string]any `json:"payload"`
				} `json:"points"`
				NextPageOffset any `json:"next_page_offset"`
			} `json:"result"`
		}
		err := c.execute(ctx, "qdrant.scroll", func(ctx context.Context) error {
			return c.doJSON(ctx, http.MethodPost, url, reqBody, &scrollResp, "scroll")
		})
		if errors.Is(err, errCollectionMissing) {
			break
		}
		if err != nil {
			return nil, domain.WrapError(domain.ErrRetrievalUnavailable, "qdrant scroll", err)
		}
		for _, p := range scrollResp.Result.Points {
			hits = append(hits, scrolled{chunk: chunkFromPayload(p.Payload, d), seq: getIntPayload(p.Payload, "seq")})
		}
		offset = scrollResp.Result.NextPageOffset
		if offset == nil || len(scrollResp.Result.Points) == 0 {
			break
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].seq < hits[j].seq })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]domain.Chunk, len(hits))
	for i, h := range hits {
		out[i] = h.chunk
	}
	return out, nil
}

func (c *Client) ensureCollection(ctx context.Context, collection string, vectorSize int) error {
	c.ensureMu.Lock()
	if size, ok := c.ensured[collection]; ok && size == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	reqBody := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}

	url := fmt.Sprintf("%s/collections/%s", c.baseURL, collection)
	err := c.execute(ctx, "qdrant.ensure_collection", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPut, url, reqBody, nil, "ensure collection")
	})
	// 409 means the collection already exists.
	var statusErr *resilience.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict {
		err = nil
	}
	if err != nil {
		return err
	}

	c.ensureMu.Lock()
	c.ensured[collection] = vectorSize
	c.ensureMu.Unlock()
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, payload any, out any, operation string) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", operation, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errCollectionMissing
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &resilience.StatusError{
			Service:    "qdrant",
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(msg),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func (c *Client) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if c.executor == nil {
		return fn(ctx)
	}
	return c.executor.Execute(ctx, operation, fn, classifyQdrantError)
}

func classifyQdrantError(err error) resilience.ErrorClassification {
	if errors.Is(err, errCollectionMissing) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	return resilience.ClassifyHTTP(err)
}

// PointID is the deterministic Qdrant point id for a chunk id.
func PointID(chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

func chunkFromPayload(payload map[string]any, d domain.Domain) domain.Chunk {
	chunk := domain.Chunk{
		ID:       getStringPayload(payload, "chunk_id"),
		Text:     getStringPayload(payload, "text"),
		Domain:   d,
		Metadata: make(map[domain.MetadataField]string),
	}
	for _, field := range domain.MetadataFields() {
		if v := getStringPayload(payload, string(field)); v != "" {
			chunk.Metadata[field] = v
		}
	}
	return chunk
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getIntPayload(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}
