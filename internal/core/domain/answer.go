package domain

import "time"

// ResponseBundle is the single response shape of the query interface.
type ResponseBundle struct {
	Answer        string   `json:"answer"`
	Domain        Domain   `json:"domain"`
	CitedChunkIDs []string `json:"cited_chunk_ids"`
	Grounded      bool     `json:"grounded"`
}

// Generation is what the answer orchestrator returns for a non-empty context.
type Generation struct {
	Text          string
	CitedChunkIDs []string
}

// CacheKey is the exact post-normalization query text paired with the resolved domain.
type CacheKey struct {
	Query  string `json:"query"`
	Domain Domain `json:"domain"`
}

type CacheEntry struct {
	Key           CacheKey       `json:"key"`
	Bundle        ResponseBundle `json:"bundle"`
	CorpusVersion string         `json:"corpus_version"`
	// Routed marks entries whose domain came from the router rather than a caller override.
	Routed    bool      `json:"routed"`
	CreatedAt time.Time `json:"created_at"`
}

type DomainStats struct {
	Domain Domain `json:"domain"`
	Chunks int    `json:"chunks"`
}

type Stats struct {
	Domains       []DomainStats `json:"domains"`
	TotalChunks   int           `json:"total_chunks"`
	CacheEntries  int           `json:"cache_entries"`
	CorpusVersion string        `json:"corpus_version"`
}
