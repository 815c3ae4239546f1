// Package seekr indexes source code repositories and answers free-text
// queries by fusing BM25, full-text, and dense-vector ranking signals.
package seekr

import (
	"context"
	"time"
)

// Embedder turns text into fixed-dimension, L2-normalized dense vectors.
// It is injected by the host; the core treats it as a pure function and
// memoizes its outputs.
type Embedder interface {
	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed embedding dimension.
	Dimensions() int

	// Name returns the model identifier.
	Name() string

	// Close releases resources.
	Close() error
}

// Symbol is a code symbol reported by the optional SymbolExtractor.
type Symbol struct {
	Name      string
	Kind      string
	StartLine int
	EndLine   int
}

// SymbolExtractor is the optional adapter that extracts code symbols at
// index time. When present, symbol hits join fusion as a fourth
// constituent.
type SymbolExtractor interface {
	Extract(path string, data []byte) []Symbol
}

// Clock is the time source for the last-commit time reported by Stats. The
// query and embedding caches do not use it; their expiry follows wall time.
type Clock interface {
	Now() time.Time
}

// systemClock is the default Clock.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ScoreComponents records which constituent contributed what to a result.
// Nil fields mean the constituent did not return this chunk.
type ScoreComponents struct {
	BM25   *float64
	Text   *float64
	Vector *float64
	Symbol *float64
}

// ContextChunk is a neighboring chunk attached to a result.
type ContextChunk struct {
	ChunkID   string
	StartLine int
	EndLine   int
	Content   string
}

// ResultContext holds the chunks surrounding a hit in the same file, absent
// at file boundaries.
type ResultContext struct {
	Above *ContextChunk
	Below *ContextChunk
}

// Result is a single search hit. Line ranges are inclusive and 1-based;
// adjacent hits from the same file may have been merged, in which case the
// range is the union and the score the maximum of the merged hits.
type Result struct {
	ChunkID         string
	Path            string
	StartLine       int
	EndLine         int
	Content         string
	Score           float64
	ScoreComponents ScoreComponents
	Context         ResultContext
}

// Response is a search answer. Partial is set when a deadline or a
// constituent failure caused fusion over fewer than all constituents.
type Response struct {
	Results []Result
	Partial bool
}

// SearchOptions tunes a single query. The zero value uses the engine
// configuration.
type SearchOptions struct {
	// Weights overrides the configured fusion weights.
	Weights *Weights

	// Mode overrides the configured fusion mode.
	Mode FusionMode

	// Deadline overrides the configured query deadline.
	Deadline time.Duration

	// MinVectorSimilarity filters vector hits below the threshold.
	MinVectorSimilarity *float32

	// SkipCache bypasses the query-results cache.
	SkipCache bool
}

// Stats reports engine state.
type Stats struct {
	ChunksTotal     int
	BM25Terms       int
	BM25Documents   int
	VectorCount     int
	FulltextDocs    int
	FulltextCommits int
	PendingRepairs  int
	ErrorCount      int64
	LastCommit      time.Time
}
