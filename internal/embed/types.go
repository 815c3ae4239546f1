// Package embed defines the embedder contract the core consumes and the
// built-in deterministic embedder used for tests and embedder-less
// deployments.
package embed

import (
	"context"
	"math"
)

// DefaultDimensions is the dimension of the built-in static embedder.
const DefaultDimensions = 768

// Embedder generates vector embeddings for text. Implementations guarantee
// a fixed dimension, L2-normalized outputs, and determinism modulo
// floating-point rounding.
type Embedder interface {
	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// Name returns the model identifier.
	Name() string

	// Close releases resources.
	Close() error
}

// EmbedOne embeds a single text through EmbedBatch.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v // Return as-is if zero vector
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
