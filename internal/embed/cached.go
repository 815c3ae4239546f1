package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/seekr-dev/seekr/internal/cache"
)

// DefaultCacheSize is the default number of embeddings to memoize.
// At 768 dimensions * 4 bytes * 1024 entries ≈ 3MB memory.
const DefaultCacheSize = 1024

// CachedEmbedder wraps an Embedder with TTL-bounded LRU memoization so
// repeated texts (above all, repeated queries) skip the inner embedder.
type CachedEmbedder struct {
	inner Embedder
	cache *cache.Cache[string, []float32]
}

// NewCachedEmbedder creates a cached embedder wrapping the given embedder.
// A zero cacheSize uses DefaultCacheSize; a zero ttl never expires.
func NewCachedEmbedder(inner Embedder, cacheSize int, ttl time.Duration) *CachedEmbedder {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &CachedEmbedder{
		inner: inner,
		cache: cache.New[string, []float32](cacheSize, ttl),
	}
}

// cacheKey hashes text and model name so entries survive neither a model
// switch nor arbitrary-length keys.
func (c *CachedEmbedder) cacheKey(text string) string {
	hash := sha256.Sum256([]byte(text + "\x00" + c.inner.Name()))
	return hex.EncodeToString(hash[:])
}

// EmbedBatch generates embeddings for multiple texts, caching each result.
// Individual texts are checked and cached separately for maximum reuse.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	uncachedIndices := make([]int, 0, len(texts))
	uncachedTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		if vec, ok := c.cache.Get(c.cacheKey(text)); ok {
			results[i] = vec
		} else {
			uncachedIndices = append(uncachedIndices, i)
			uncachedTexts = append(uncachedTexts, text)
		}
	}

	if len(uncachedTexts) == 0 {
		return results, nil
	}

	fresh, err := c.inner.EmbedBatch(ctx, uncachedTexts)
	if err != nil {
		return nil, err
	}

	for j, idx := range uncachedIndices {
		results[idx] = fresh[j]
		c.cache.Add(c.cacheKey(texts[idx]), fresh[j])
	}

	return results, nil
}

// Dimensions returns the embedding dimension (passthrough to inner).
func (c *CachedEmbedder) Dimensions() int {
	return c.inner.Dimensions()
}

// Name returns the model identifier (passthrough to inner).
func (c *CachedEmbedder) Name() string {
	return c.inner.Name()
}

// Close releases resources and closes the inner embedder.
func (c *CachedEmbedder) Close() error {
	return c.inner.Close()
}

// Verify interface implementation
var _ Embedder = (*CachedEmbedder)(nil)
