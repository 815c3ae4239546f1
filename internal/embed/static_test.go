package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TS01: deterministic output with the configured dimension
func TestStaticEmbedder_Deterministic(t *testing.T) {
	e := NewStaticEmbedder(128)
	defer func() { _ = e.Close() }()
	ctx := context.Background()

	first, err := e.EmbedBatch(ctx, []string{"func handleRequest(w http.ResponseWriter)"})
	require.NoError(t, err)
	second, err := e.EmbedBatch(ctx, []string{"func handleRequest(w http.ResponseWriter)"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first[0], 128)
	assert.Equal(t, 128, e.Dimensions())
}

// TS02: every output is L2-normalized within 1%
func TestStaticEmbedder_Normalized(t *testing.T) {
	e := NewStaticEmbedder(64)
	defer func() { _ = e.Close() }()

	vecs, err := e.EmbedBatch(context.Background(), []string{
		"short",
		"a much longer text with many distinct tokens to hash around the vector space",
		"", // empty input gets the fixed basis vector
	})
	require.NoError(t, err)

	for i, v := range vecs {
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, math.Sqrt(sum), 0.01, "vector %d", i)
	}
}

// TS03: related phrasings land closer than unrelated ones
func TestStaticEmbedder_ConceptProximity(t *testing.T) {
	e := NewStaticEmbedder(DefaultDimensions)
	defer func() { _ = e.Close() }()
	ctx := context.Background()

	vecs, err := e.EmbedBatch(ctx, []string{
		"artificial intelligence",
		"Machine learning uses neural networks",
		"HTML CSS JavaScript for web",
	})
	require.NoError(t, err)

	simML := cosine(vecs[0], vecs[1])
	simWeb := cosine(vecs[0], vecs[2])
	assert.Greater(t, simML, simWeb,
		"the AI query must sit closer to the ML document than to the web document")
}

// TS04: batch preserves order and length
func TestStaticEmbedder_Batch(t *testing.T) {
	e := NewStaticEmbedder(32)
	defer func() { _ = e.Close() }()

	texts := []string{"one", "two", "three"}
	vecs, err := e.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	single, err := EmbedOne(context.Background(), e, "two")
	require.NoError(t, err)
	assert.Equal(t, single, vecs[1])
}

// TS05: closed embedder refuses work
func TestStaticEmbedder_Closed(t *testing.T) {
	e := NewStaticEmbedder(32)
	require.NoError(t, e.Close())

	_, err := e.EmbedBatch(context.Background(), []string{"x"})
	assert.Error(t, err)
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
