package store

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekr-dev/seekr/internal/errors"
)

const testDims = 4

func newVectorStore(t *testing.T) *VectorStore {
	t.Helper()
	s, err := NewVectorStore("", DefaultVectorConfig(testDims))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// unit returns an L2-normalized copy of v.
func unit(v ...float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	mag := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / mag
	}
	return out
}

// TS01: add + top-k search in descending cosine order
func TestVectorStore_AddAndSearch(t *testing.T) {
	s := newVectorStore(t)

	require.NoError(t, s.Add("x", unit(1, 0, 0, 0), `{"ord":0}`))
	require.NoError(t, s.Add("xy", unit(1, 1, 0, 0), `{"ord":1}`))
	require.NoError(t, s.Add("y", unit(0, 1, 0, 0), `{"ord":2}`))

	results, err := s.Search(context.Background(), unit(1, 0, 0, 0), 2, nil)
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "x", results[0].ID)
	assert.Equal(t, "xy", results[1].ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-5)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)
	assert.Equal(t, `{"ord":0}`, results[0].MetadataJSON)
}

// TS02: dimension mismatch is rejected on add and search
func TestVectorStore_DimensionMismatch(t *testing.T) {
	s := newVectorStore(t)

	err := s.Add("bad", unit(1, 0, 0), "{}")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDimensionMismatch, errors.GetCode(err))

	_, err = s.Search(context.Background(), unit(1, 0), 5, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDimensionMismatch, errors.GetCode(err))
}

// TS03: non-finite components are rejected
func TestVectorStore_NonFiniteRejected(t *testing.T) {
	s := newVectorStore(t)

	err := s.Add("nan", []float32{float32(math.NaN()), 0, 0, 0}, "{}")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))

	err = s.Add("inf", []float32{float32(math.Inf(1)), 0, 0, 0}, "{}")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
}

// TS04: normalized mode rejects norms outside 1 ± 0.01
func TestVectorStore_NormalizedModeEnforced(t *testing.T) {
	s := newVectorStore(t)

	err := s.Add("long", []float32{2, 0, 0, 0}, "{}")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))

	// Within tolerance passes
	require.NoError(t, s.Add("ok", []float32{1.005, 0, 0, 0}, "{}"))

	// Non-normalized mode accepts anything finite
	raw, err := NewVectorStore("", VectorConfig{Dimensions: testDims, Normalized: false})
	require.NoError(t, err)
	defer func() { _ = raw.Close() }()
	require.NoError(t, raw.Add("long", []float32{2, 0, 0, 0}, "{}"))
}

// TS05: similarity threshold filters results
func TestVectorStore_SimilarityThreshold(t *testing.T) {
	s := newVectorStore(t)
	require.NoError(t, s.Add("near", unit(1, 0.1, 0, 0), "{}"))
	require.NoError(t, s.Add("far", unit(0, 0, 1, 0), "{}"))

	threshold := float32(0.5)
	results, err := s.Search(context.Background(), unit(1, 0, 0, 0), 10, &threshold)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "near", results[0].ID)
}

// TS06: remove and replace
func TestVectorStore_RemoveAndReplace(t *testing.T) {
	s := newVectorStore(t)
	require.NoError(t, s.Add("a", unit(1, 0, 0, 0), "{}"))
	require.NoError(t, s.Add("b", unit(0, 1, 0, 0), "{}"))

	require.NoError(t, s.Remove("a"))
	assert.False(t, s.Contains("a"))
	assert.Equal(t, 1, s.Count())

	// Replacing an id keeps a single record
	require.NoError(t, s.Add("b", unit(0, 0, 1, 0), `{"v":2}`))
	assert.Equal(t, 1, s.Count())

	results, err := s.Search(context.Background(), unit(0, 0, 1, 0), 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
	assert.Equal(t, `{"v":2}`, results[0].MetadataJSON)
}

// TS07: persistence round trip
func TestVectorStore_PersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors", "vectors.skvc")
	ctx := context.Background()

	s, err := NewVectorStore(path, DefaultVectorConfig(testDims))
	require.NoError(t, err)
	require.NoError(t, s.Add("a", unit(1, 0, 0, 0), `{"path":"a.go"}`))
	require.NoError(t, s.Add("b", unit(0, 1, 0, 0), `{"path":"b.go"}`))
	require.NoError(t, s.Save(ctx))
	require.NoError(t, s.Close())

	reopened, err := NewVectorStore(path, DefaultVectorConfig(testDims))
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	assert.Equal(t, 2, reopened.Count())
	results, err := reopened.Search(ctx, unit(1, 0, 0, 0), 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, `{"path":"a.go"}`, results[0].MetadataJSON)
}

// TS08: a corrupted record fails its checksum and the store refuses to open
func TestVectorStore_CorruptionDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.skvc")
	ctx := context.Background()

	s, err := NewVectorStore(path, DefaultVectorConfig(testDims))
	require.NoError(t, err)
	require.NoError(t, s.Add("a", unit(1, 2, 3, 4), "{}"))
	require.NoError(t, s.Save(ctx))
	require.NoError(t, s.Close())

	// Flip a byte inside the vector payload
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-6] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = NewVectorStore(path, DefaultVectorConfig(testDims))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeIndexCorrupt, errors.GetCode(err))
}

// TS09: normalized-mode mixing is refused on open
func TestVectorStore_RefusesModeMixing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.skvc")
	ctx := context.Background()

	s, err := NewVectorStore(path, VectorConfig{Dimensions: testDims, Normalized: false})
	require.NoError(t, err)
	require.NoError(t, s.Add("a", []float32{3, 0, 0, 0}, "{}"))
	require.NoError(t, s.Save(ctx))
	require.NoError(t, s.Close())

	_, err = NewVectorStore(path, DefaultVectorConfig(testDims))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeIncompatibleIndex, errors.GetCode(err))
}

// TS10: the approximate index kicks in past the threshold and agrees with
// flat search on the clear winner
func TestVectorStore_ApproxIndexAgrees(t *testing.T) {
	s, err := NewVectorStore("", VectorConfig{
		Dimensions:      testDims,
		Normalized:      true,
		ApproxThreshold: 32,
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	for i := range 64 {
		v := unit(1, float32(i)*0.05, float32(i%7)*0.03, 0.2)
		require.NoError(t, s.Add(idFor(i), v, "{}"))
	}
	target := unit(0, 0, 0, 1)
	require.NoError(t, s.Add("target", target, "{}"))

	results, err := s.Search(context.Background(), target, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "target", results[0].ID)
}

func idFor(i int) string {
	return string(rune('a'+i/26)) + string(rune('a'+i%26))
}
