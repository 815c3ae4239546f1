// Package store provides the three retrieval indices: the in-memory BM25
// inverted index, the bleve-backed full-text index, and the vector store.
package store

import "context"

// Document represents a document to be indexed in BM25.
type Document struct {
	ID      string // Chunk ID
	Content string // Text content
}

// BM25Result represents a single BM25 search result.
type BM25Result struct {
	DocID        string
	Score        float64
	MatchedTerms []string
}

// BM25Config configures the BM25 index.
type BM25Config struct {
	// K1 is the term frequency saturation parameter (default: 1.2)
	K1 float64

	// B is the length normalization parameter (default: 0.75)
	B float64
}

// DefaultBM25Config returns default BM25 configuration.
func DefaultBM25Config() BM25Config {
	return BM25Config{
		K1: 1.2,
		B:  0.75,
	}
}

// BM25Stats provides statistics about the BM25 index snapshot.
type BM25Stats struct {
	DocumentCount int
	TermCount     int
	AvgDocLength  float64
}

// TextDocument mirrors the chunk for the full-text index.
type TextDocument struct {
	ID        string
	Path      string
	Ord       int
	StartLine int
	EndLine   int
	Content   string
}

// TextResult represents a single full-text search result.
type TextResult struct {
	DocID     string
	Score     float64
	Path      string
	Ord       int
	StartLine int
	EndLine   int
}

// TextIndex is the capability surface the orchestrator needs from the
// embedded full-text engine.
type TextIndex interface {
	Add(ctx context.Context, docs []*TextDocument) error
	Delete(ctx context.Context, docIDs []string) error

	// Commit is the visibility boundary: queued adds and deletes become
	// visible to searchers.
	Commit(ctx context.Context) error

	Search(ctx context.Context, query string, k int) ([]*TextResult, error)
	SearchFuzzy(ctx context.Context, query string, maxEditDistance, k int) ([]*TextResult, error)
	SearchPhrase(ctx context.Context, phrase string, slop, k int) ([]*TextResult, error)

	AllIDs(ctx context.Context) ([]string, error)
	DocCount() (int, error)
	Close() error
}

// VectorResult represents a single vector search result.
type VectorResult struct {
	ID           string
	Similarity   float32 // Cosine similarity in [-1, 1]
	MetadataJSON string
}

// VectorConfig configures the vector store.
type VectorConfig struct {
	// Dimensions is the vector dimension, fixed at creation time.
	Dimensions int

	// Normalized enables normalized mode: inserted vectors must have an L2
	// norm within NormTolerance of 1.
	Normalized bool

	// NormTolerance is the allowed deviation from unit norm (default: 0.01).
	NormTolerance float32

	// ApproxThreshold is the collection size above which an approximate
	// HNSW index is built alongside the flat scan (default: 4096, also used
	// when zero; a negative value keeps flat-only).
	ApproxThreshold int
}

// DefaultVectorConfig returns sensible defaults for the vector store.
func DefaultVectorConfig(dimensions int) VectorConfig {
	return VectorConfig{
		Dimensions:      dimensions,
		Normalized:      true,
		NormTolerance:   0.01,
		ApproxThreshold: 4096,
	}
}
