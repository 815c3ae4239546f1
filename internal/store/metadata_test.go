package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekr-dev/seekr/internal/chunk"
)

func newChunkStore(t *testing.T) *ChunkStore {
	t.Helper()
	s, err := NewChunkStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testChunk(id, path string, ord int) *chunk.Chunk {
	return &chunk.Chunk{
		ID: id, FilePath: path, Ord: ord,
		StartLine: ord*10 + 1, EndLine: ord*10 + 10,
		Content: "content of " + id, Language: "go",
	}
}

// TS01: save and fetch round trip
func TestChunkStore_SaveAndGet(t *testing.T) {
	s := newChunkStore(t)
	ctx := context.Background()

	c := testChunk("c1", "main.go", 0)
	require.NoError(t, s.SaveChunks(ctx, []*chunk.Chunk{c}))

	got, err := s.GetChunk(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c, got)

	absent, err := s.GetChunk(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, absent)
}

// TS02: batch retrieval skips missing ids
func TestChunkStore_GetChunksBatch(t *testing.T) {
	s := newChunkStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveChunks(ctx, []*chunk.Chunk{
		testChunk("c1", "a.go", 0),
		testChunk("c2", "a.go", 1),
	}))

	chunks, err := s.GetChunks(ctx, []string{"c1", "missing", "c2"})
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
}

// TS03: neighbors for the three-chunk expander
func TestChunkStore_GetNeighbors(t *testing.T) {
	s := newChunkStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveChunks(ctx, []*chunk.Chunk{
		testChunk("c0", "f.go", 0),
		testChunk("c1", "f.go", 1),
		testChunk("c2", "f.go", 2),
	}))

	prev, next, err := s.GetNeighbors(ctx, "f.go", 1)
	require.NoError(t, err)
	require.NotNil(t, prev)
	require.NotNil(t, next)
	assert.Equal(t, "c0", prev.ID)
	assert.Equal(t, "c2", next.ID)

	// File boundaries yield nil neighbors
	prev, next, err = s.GetNeighbors(ctx, "f.go", 0)
	require.NoError(t, err)
	assert.Nil(t, prev)
	require.NotNil(t, next)

	prev, next, err = s.GetNeighbors(ctx, "f.go", 2)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Nil(t, next)
}

// TS04: delete by path returns the removed ids and clears symbols
func TestChunkStore_DeleteByPath(t *testing.T) {
	s := newChunkStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveChunks(ctx, []*chunk.Chunk{
		testChunk("c1", "del.go", 0),
		testChunk("c2", "del.go", 1),
		testChunk("c3", "keep.go", 0),
	}))
	require.NoError(t, s.SaveSymbols(ctx, []*SymbolRecord{
		{Name: "Gone", Kind: "function", Path: "del.go", StartLine: 1, EndLine: 5, ChunkID: "c1"},
	}))

	ids, err := s.DeleteChunksByPath(ctx, "del.go")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, ids)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	symbols, err := s.SearchSymbols(ctx, "Gone", 10)
	require.NoError(t, err)
	assert.Empty(t, symbols)
}

// TS05: pending repair lifecycle
func TestChunkStore_PendingRepair(t *testing.T) {
	s := newChunkStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddPendingRepair(ctx, "c1", "vector commit failed"))
	require.NoError(t, s.AddPendingRepair(ctx, "c1", "still failing")) // upsert
	require.NoError(t, s.AddPendingRepair(ctx, "c2", "text commit failed"))
	require.NoError(t, s.BumpPendingRepair(ctx, "c2"))

	entries, err := s.ListPendingRepairs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Ordered by attempts: c1 (0) before c2 (1)
	assert.Equal(t, "c1", entries[0].ChunkID)
	assert.Equal(t, "still failing", entries[0].Reason)
	assert.Equal(t, 1, entries[1].Attempts)

	require.NoError(t, s.ResolvePendingRepair(ctx, "c1"))
	entries, err = s.ListPendingRepairs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// TS06: symbol search ranks exact, prefix, substring
func TestChunkStore_SearchSymbols(t *testing.T) {
	s := newChunkStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSymbols(ctx, []*SymbolRecord{
		{Name: "ParseConfigFile", Kind: "function", Path: "a.go", StartLine: 1, EndLine: 10, ChunkID: "c1"},
		{Name: "Parse", Kind: "function", Path: "b.go", StartLine: 1, EndLine: 5, ChunkID: "c2"},
		{Name: "ReparseTree", Kind: "function", Path: "c.go", StartLine: 1, EndLine: 8, ChunkID: "c3"},
	}))

	symbols, err := s.SearchSymbols(ctx, "Parse", 10)
	require.NoError(t, err)
	require.Len(t, symbols, 3)
	assert.Equal(t, "Parse", symbols[0].Name)
	assert.Equal(t, "ParseConfigFile", symbols[1].Name)
	assert.Equal(t, "ReparseTree", symbols[2].Name)
}

// TS07: state key-value round trip
func TestChunkStore_State(t *testing.T) {
	s := newChunkStore(t)
	ctx := context.Background()

	val, err := s.GetState(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, val)

	require.NoError(t, s.SetState(ctx, "k", "v1"))
	require.NoError(t, s.SetState(ctx, "k", "v2"))
	val, err = s.GetState(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", val)
}

// TS08: persistence across reopen
func TestChunkStore_PersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.db")
	ctx := context.Background()

	s, err := NewChunkStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveChunks(ctx, []*chunk.Chunk{testChunk("c1", "x.go", 0)}))
	require.NoError(t, s.Close())

	reopened, err := NewChunkStore(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.GetChunk(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "x.go", got.FilePath)
}
