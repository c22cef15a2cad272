package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
	"github.com/kirillkom/insurance-faq-rag/internal/core/ports"
)

var testVocabulary = []string{
	"premi", "membayar", "bayar", "asuransi", "smarthome", "smarttravel", "produk", "manfaat",
	"klaim", "polis", "customer", "care", "alamat", "kantor", "dokumen",
}

// vocabEmbedder counts vocabulary words. Unknown words contribute nothing, so text
// without vocabulary words embeds to the zero vector.
type vocabEmbedder struct {
	mu         sync.Mutex
	index      map[string]int
	queryCalls int
	embedCalls int
	queryErr   error
	embedErr   error
	// failQueries fails this many EmbedQuery calls before succeeding.
	failQueries int
}

func newVocabEmbedder() *vocabEmbedder {
	idx := make(map[string]int, len(testVocabulary))
	for i, w := range testVocabulary {
		idx[w] = i
	}
	return &vocabEmbedder{index: idx}
}

func (e *vocabEmbedder) vector(text string) []float32 {
	out := make([]float32, len(testVocabulary))
	for _, token := range splitWordsLower(text) {
		if i, ok := e.index[token]; ok {
			out[i]++
		}
	}
	return out
}

func (e *vocabEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.embedCalls++
	if e.embedErr != nil {
		return nil, e.embedErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *vocabEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queryCalls++
	if e.failQueries > 0 {
		e.failQueries--
		return nil, errors.New("embedding gateway down")
	}
	if e.queryErr != nil {
		return nil, e.queryErr
	}
	return e.vector(text), nil
}

func (e *vocabEmbedder) calls() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queryCalls, e.embedCalls
}

type indexedChunk struct {
	chunk  domain.Chunk
	vector []float32
}

type fakeIndex struct {
	mu          sync.Mutex
	partitions  map[domain.Domain][]indexedChunk
	searchCalls int
	searched    []domain.Domain
	searchErr   error
	missing     map[domain.Domain]bool
	listLimit   int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{partitions: make(map[domain.Domain][]indexedChunk), missing: map[domain.Domain]bool{}}
}

func (f *fakeIndex) Search(_ context.Context, d domain.Domain, vec []float32, topK int) ([]domain.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	f.searched = append(f.searched, d)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if !d.IsKnown() || f.missing[d] {
		return nil, domain.WrapError(domain.ErrDomainNotFound, "search", errors.New(string(d)))
	}
	out := make([]domain.Candidate, 0, len(f.partitions[d]))
	for _, item := range f.partitions[d] {
		out = append(out, domain.Candidate{Chunk: item.chunk, Similarity: cosineSimilarity(vec, item.vector)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > topK {
		out = out[:topK]
	}
	for i := range out {
		out[i].Rank = i
	}
	return out, nil
}

func (f *fakeIndex) IndexChunks(_ context.Context, d domain.Domain, chunks []domain.Chunk, vectors [][]float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range chunks {
		f.partitions[d] = append(f.partitions[d], indexedChunk{chunk: c, vector: vectors[i]})
	}
	return nil
}

func (f *fakeIndex) Count(_ context.Context, d domain.Domain) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.partitions[d]), nil
}

func (f *fakeIndex) DeleteAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partitions = make(map[domain.Domain][]indexedChunk)
	return nil
}

func (f *fakeIndex) ListByMetadata(_ context.Context, field domain.MetadataField, value string, limit int) ([]domain.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listLimit = limit
	var out []domain.Chunk
	for _, d := range domain.KnownDomains() {
		for _, item := range f.partitions[d] {
			if item.chunk.Meta(field) == value && len(out) < limit {
				out = append(out, item.chunk)
			}
		}
	}
	return out, nil
}

func (f *fakeIndex) searches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searchCalls
}

type fakeGenerator struct {
	calls int
	err   error
	cite  []string
}

func (g *fakeGenerator) GenerateAnswer(_ context.Context, _ string, _ domain.Domain, results []domain.RankedResult) (domain.Generation, error) {
	g.calls++
	if g.err != nil {
		return domain.Generation{}, g.err
	}
	cite := g.cite
	if cite == nil {
		cite = []string{results[0].Chunk.ID}
	}
	return domain.Generation{Text: "Jawaban: " + results[0].Chunk.Text, CitedChunkIDs: cite}, nil
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[domain.CacheKey]domain.CacheEntry
	getErr  error
	puts    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[domain.CacheKey]domain.CacheEntry)}
}

func (c *fakeCache) Get(_ context.Context, key domain.CacheKey) (*domain.CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

func (c *fakeCache) Lookup(_ context.Context, query string) (*domain.CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	for k, e := range c.entries {
		if k.Query == query && e.Routed {
			return &e, true, nil
		}
	}
	return nil, false, nil
}

func (c *fakeCache) Put(_ context.Context, e domain.CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	c.entries[e.Key] = e
	return nil
}

func (c *fakeCache) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[domain.CacheKey]domain.CacheEntry)
	return nil
}

func (c *fakeCache) Len(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), nil
}

type fakeEvents struct {
	versions []string
	err      error
}

func (f *fakeEvents) PublishCorpusUpdated(_ context.Context, version string) error {
	if f.err != nil {
		return f.err
	}
	f.versions = append(f.versions, version)
	return nil
}

func (f *fakeEvents) SubscribeCorpusUpdated(context.Context, func(context.Context, string) error) error {
	return nil
}

func testRouterConfig() RouterConfig {
	return RouterConfig{
		EmbeddingWeight:   0.7,
		KeywordWeight:     0.3,
		KeywordSaturation: 2,
		MinConfidence:     0.35,
		Priority:          []domain.Domain{domain.DomainProductSales, domain.DomainCustomerCorporate},
		Exemplars: map[domain.Domain][]string{
			domain.DomainProductSales: {
				"Berapa premi asuransi SmartHome",
				"Bagaimana cara membayar premi asuransi",
				"Apa manfaat produk SmartTravel",
			},
			domain.DomainCustomerCorporate: {
				"Bagaimana cara mengajukan klaim",
				"Berapa nomor customer care",
				"Dimana alamat kantor",
			},
		},
		Keywords: map[domain.Domain][]string{
			domain.DomainProductSales:      {"premi", "produk", "manfaat"},
			domain.DomainCustomerCorporate: {"klaim", "customer care", "alamat"},
		},
	}
}

func testHintVocab() map[domain.MetadataField][]string {
	return map[domain.MetadataField][]string{
		domain.FieldProductName:   {"smarthome", "smart home", "smarttravel"},
		domain.FieldCategoryTopic: {"premi", "klaim", "produk"},
		domain.FieldActionType:    {"membayar", "bayar", "klaim"},
	}
}

func testRerankConfig() RerankConfig {
	return RerankConfig{
		SimilarityWeight: 1.0,
		Weights: map[domain.MetadataField]float64{
			domain.FieldProductName:      0.30,
			domain.FieldCategoryTopic:    0.10,
			domain.FieldActionType:       0.10,
			domain.FieldQuestionOriginal: 0.20,
		},
	}
}

func testCorpus() []domain.Chunk {
	return []domain.Chunk{
		{
			ID:     "ps-001",
			Text:   "Premi asuransi dapat dibayar dengan cara membayar melalui transfer bank atau kartu kredit.",
			Domain: domain.DomainProductSales,
			Metadata: map[domain.MetadataField]string{
				domain.FieldCategoryTopic:    "premi",
				domain.FieldActionType:       "membayar",
				domain.FieldQuestionOriginal: "Bagaimana cara membayar premi?",
			},
		},
		{
			ID:     "ps-002",
			Text:   "SmartHome memberikan manfaat perlindungan rumah dari kebakaran. Premi mulai dari Rp100.000.",
			Domain: domain.DomainProductSales,
			Metadata: map[domain.MetadataField]string{
				domain.FieldProductName:   "SmartHome",
				domain.FieldCategoryTopic: "produk",
			},
		},
		{
			ID:     "cc-001",
			Text:   "Untuk mengajukan klaim, siapkan dokumen polis dan hubungi customer care.",
			Domain: domain.DomainCustomerCorporate,
			Metadata: map[domain.MetadataField]string{
				domain.FieldCategoryTopic: "klaim",
				domain.FieldActionType:    "klaim",
			},
		},
		{
			ID:     "cc-002",
			Text:   "Alamat kantor pusat dapat dilihat di situs resmi. Customer care siap membantu.",
			Domain: domain.DomainCustomerCorporate,
		},
	}
}

type pipelineFixture struct {
	uc        *AnswerUseCase
	embedder  *vocabEmbedder
	index     *fakeIndex
	generator *fakeGenerator
	cache     *fakeCache
}

func newPipelineFixture(corpus []domain.Chunk) *pipelineFixture {
	embedder := newVocabEmbedder()
	index := newFakeIndex()
	for _, c := range corpus {
		_ = index.IndexChunks(context.Background(), c.Domain, []domain.Chunk{c}, [][]float32{embedder.vector(c.Text)})
	}
	generator := &fakeGenerator{}
	cache := newFakeCache()

	components := AnswerComponents{
		Normalizer: NewNormalizer(NormalizerConfig{MaxWords: 500, InjectionPhrases: []string{"abaikan instruksi", "system prompt"}}),
		Router:     NewRouter(embedder, testRouterConfig()),
		Hints:      NewHintExtractor(testHintVocab()),
		Reranker:   NewReranker(testRerankConfig()),
	}
	uc := NewAnswerUseCase(components, embedder, index, generator, cache, AnswerConfig{
		TopK:          20,
		FinalK:        3,
		MinSimilarity: 0.30,
		CorpusVersion: "v1",
	})
	return &pipelineFixture{uc: uc, embedder: embedder, index: index, generator: generator, cache: cache}
}

var _ ports.FAQService = (*AnswerUseCase)(nil)
var _ ports.ChunkIngestor = (*IngestUseCase)(nil)
