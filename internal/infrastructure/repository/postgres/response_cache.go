package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
)

// ResponseCache persists final bundles so every api replica shares one cache.
type ResponseCache struct {
	db         *sql.DB
	maxEntries int
}

func NewResponseCache(db *sql.DB, maxEntries int) *ResponseCache {
	return &ResponseCache{db: db, maxEntries: maxEntries}
}

func (r *ResponseCache) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api replicas.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101401)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS faq_response_cache (
	query_text TEXT NOT NULL,
	domain TEXT NOT NULL,
	bundle JSONB NOT NULL,
	corpus_version TEXT NOT NULL,
	routed BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (query_text, domain)
);

CREATE INDEX IF NOT EXISTS idx_faq_response_cache_routed ON faq_response_cache(query_text) WHERE routed;
CREATE INDEX IF NOT EXISTS idx_faq_response_cache_created_at ON faq_response_cache(created_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *ResponseCache) Get(ctx context.Context, key domain.CacheKey) (*domain.CacheEntry, bool, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT query_text, domain, bundle, corpus_version, routed, created_at
FROM faq_response_cache
WHERE query_text = $1 AND domain = $2
`, key.Query, string(key.Domain))
	return scanEntry(row)
}

func (r *ResponseCache) Lookup(ctx context.Context, query string) (*domain.CacheEntry, bool, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT query_text, domain, bundle, corpus_version, routed, created_at
FROM faq_response_cache
WHERE query_text = $1 AND routed
ORDER BY created_at DESC
LIMIT 1
`, query)
	return scanEntry(row)
}

func (r *ResponseCache) Put(ctx context.Context, entry domain.CacheEntry) error {
	bundleJSON, err := json.Marshal(entry.Bundle)
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO faq_response_cache (query_text, domain, bundle, corpus_version, routed, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (query_text, domain) DO UPDATE
SET bundle = EXCLUDED.bundle,
	corpus_version = EXCLUDED.corpus_version,
	routed = EXCLUDED.routed,
	created_at = EXCLUDED.created_at
`,
		entry.Key.Query, string(entry.Key.Domain), bundleJSON, entry.CorpusVersion, entry.Routed, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}

	if r.maxEntries > 0 {
		if _, err := r.db.ExecContext(ctx, `
DELETE FROM faq_response_cache
WHERE (query_text, domain) IN (
	SELECT query_text, domain FROM faq_response_cache
	ORDER BY created_at DESC
	OFFSET $1
)
`, r.maxEntries); err != nil {
			return fmt.Errorf("trim cache entries: %w", err)
		}
	}
	return nil
}

func (r *ResponseCache) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `TRUNCATE faq_response_cache`); err != nil {
		return fmt.Errorf("truncate cache: %w", err)
	}
	return nil
}

func (r *ResponseCache) Len(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM faq_response_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return n, nil
}

func scanEntry(row *sql.Row) (*domain.CacheEntry, bool, error) {
	var (
		entry     domain.CacheEntry
		domainRaw string
		bundleRaw []byte
	)
	err := row.Scan(&entry.Key.Query, &domainRaw, &bundleRaw, &entry.CorpusVersion, &entry.Routed, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("scan cache entry: %w", err)
	}
	if err := json.Unmarshal(bundleRaw, &entry.Bundle); err != nil {
		return nil, false, fmt.Errorf("unmarshal bundle: %w", err)
	}
	if entry.Bundle.CitedChunkIDs == nil {
		entry.Bundle.CitedChunkIDs = []string{}
	}
	entry.Key.Domain = domain.Domain(domainRaw)
	return &entry, true, nil
}
