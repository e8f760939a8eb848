package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/h1v3-io/orbit/internal/generation"
)

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

const queryCacheTTL = time.Hour

// Retriever answers retrieval queries against an Index. Query embeddings are
// cached by normalized query text.
type Retriever struct {
	index    *Index
	embedder Embedder
	cache    *ristretto.Cache[string, []float32]
	logger   *slog.Logger
}

// NewRetriever creates a Retriever. cacheEntries bounds the number of cached
// query embeddings; zero disables the cache.
func NewRetriever(ix *Index, e Embedder, cacheEntries int64, logger *slog.Logger) (*Retriever, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Retriever{index: ix, embedder: e, logger: logger}
	if cacheEntries > 0 {
		c, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
			NumCounters: cacheEntries * 10,
			MaxCost:     cacheEntries,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("knowledge: query cache: %w", err)
		}
		r.cache = c
	}
	return r, nil
}

// Retrieve returns the k passages most similar to query.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]generation.Passage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	vec, err := r.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := r.index.Search(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	out := make([]generation.Passage, len(hits))
	for i, h := range hits {
		out[i] = generation.Passage{
			Title:    h.SourceTitle,
			URL:      h.SourceURL,
			MediaURL: h.MediaURL,
			Text:     h.Text,
			Score:    h.Score,
		}
	}
	r.logger.Debug("retrieved passages", "query_len", len(query), "hits", len(out))
	return out, nil
}

func (r *Retriever) embed(ctx context.Context, query string) ([]float32, error) {
	key := strings.ToLower(query)
	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			return v, nil
		}
	}
	vecs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("knowledge: embed query: got %d vectors", len(vecs))
	}
	if r.cache != nil {
		r.cache.SetWithTTL(key, vecs[0], 1, queryCacheTTL)
	}
	return vecs[0], nil
}

// Close releases the cache.
func (r *Retriever) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
}
