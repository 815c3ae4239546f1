package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekr-dev/seekr/internal/errors"
)

func newTextIndex(t *testing.T) *BleveTextIndex {
	t.Helper()
	idx, err := NewBleveTextIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func textDoc(id, content string, ord int) *TextDocument {
	return &TextDocument{
		ID: id, Path: "src/" + id + ".go", Ord: ord,
		StartLine: ord*10 + 1, EndLine: ord*10 + 10, Content: content,
	}
}

// TS01: add + commit + search round trip with stored fields
func TestBleveTextIndex_AddCommitSearch(t *testing.T) {
	idx := newTextIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, []*TextDocument{
		textDoc("a", "func handleRequest(w http.ResponseWriter)", 0),
		textDoc("b", "type RequestRouter struct", 1),
	}))
	require.NoError(t, idx.Commit(ctx))

	results, err := idx.Search(ctx, "request", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, r := range results {
		assert.NotEmpty(t, r.Path)
		assert.Greater(t, r.StartLine, 0)
		assert.GreaterOrEqual(t, r.EndLine, r.StartLine)
		assert.Greater(t, r.Score, 0.0)
	}
}

// TS02: commit is the visibility boundary
func TestBleveTextIndex_CommitVisibility(t *testing.T) {
	idx := newTextIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, []*TextDocument{textDoc("a", "pending visibility check", 0)}))

	results, err := idx.Search(ctx, "visibility", 10)
	require.NoError(t, err)
	assert.Empty(t, results, "uncommitted documents are invisible")

	require.NoError(t, idx.Commit(ctx))
	results, err = idx.Search(ctx, "visibility", 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, 1, idx.Commits())
}

// TS03: fuzzy matching within edit distance, exact at distance zero
func TestBleveTextIndex_FuzzyRecall(t *testing.T) {
	idx := newTextIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, []*TextDocument{
		textDoc("exact", "the quick brown fox", 0),
		textDoc("sub1", "the quicc brown fox", 1),
		textDoc("sub2", "the qunck brown fox", 2),
	}))
	require.NoError(t, idx.Commit(ctx))

	// Distance 1 recalls the single-edit variants too
	fuzzy, err := idx.SearchFuzzy(ctx, "quick", 1, 10)
	require.NoError(t, err)
	ids := resultIDs(fuzzy)
	assert.Contains(t, ids, "exact")
	assert.Contains(t, ids, "sub1")
	assert.Contains(t, ids, "sub2")

	// Distance 0 matches only the exact spelling
	exact, err := idx.SearchFuzzy(ctx, "quick", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"exact"}, resultIDs(exact))
}

// TS04: fuzzy is disabled for short terms
func TestBleveTextIndex_FuzzyShortTermFallsBackToExact(t *testing.T) {
	idx := newTextIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, []*TextDocument{
		textDoc("a", "fix the bug", 0),
		textDoc("b", "fax the document", 1),
	}))
	require.NoError(t, idx.Commit(ctx))

	// "fix" has 3 chars: no fuzzy expansion, so "fax" must not match
	results, err := idx.SearchFuzzy(ctx, "fix", 2, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, resultIDs(results))
}

// TS05: phrase search requires adjacency at slop zero
func TestBleveTextIndex_PhraseSearch(t *testing.T) {
	idx := newTextIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, []*TextDocument{
		textDoc("adjacent", "open the file descriptor now", 0),
		textDoc("scattered", "the file was open but the descriptor leaked", 1),
	}))
	require.NoError(t, idx.Commit(ctx))

	results, err := idx.SearchPhrase(ctx, "file descriptor", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"adjacent"}, resultIDs(results))

	// Positive slop degrades to conjunction: both documents match
	results, err = idx.SearchPhrase(ctx, "file descriptor", 2, 10)
	require.NoError(t, err)
	ids := resultIDs(results)
	assert.Contains(t, ids, "adjacent")
	assert.Contains(t, ids, "scattered")
}

// TS06: delete removes documents after commit
func TestBleveTextIndex_Delete(t *testing.T) {
	idx := newTextIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, []*TextDocument{
		textDoc("keep", "document to keep", 0),
		textDoc("drop", "document to drop", 1),
	}))
	require.NoError(t, idx.Commit(ctx))

	require.NoError(t, idx.Delete(ctx, []string{"drop"}))
	require.NoError(t, idx.Commit(ctx))

	results, err := idx.Search(ctx, "document", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, resultIDs(results))

	ids, err := idx.AllIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, ids)
}

// TS07: index persists across reopen
func TestBleveTextIndex_PersistAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fulltext")
	ctx := context.Background()

	idx, err := NewBleveTextIndex(dir)
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, []*TextDocument{textDoc("a", "durable content survives restart", 0)}))
	require.NoError(t, idx.Commit(ctx))
	require.NoError(t, idx.Close())

	reopened, err := NewBleveTextIndex(dir)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	results, err := reopened.Search(ctx, "durable", 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

// TS08: schema version mismatch refuses to open without corrupting data
func TestBleveTextIndex_SchemaMismatch(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fulltext")
	ctx := context.Background()

	idx, err := NewBleveTextIndex(dir)
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, []*TextDocument{textDoc("a", "existing data", 0)}))
	require.NoError(t, idx.Commit(ctx))
	require.NoError(t, idx.Close())

	// Simulate an index written by a different schema version
	data, err := json.Marshal(schemaRecord{Version: 99})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, schemaFileName), data, 0644))

	_, err = NewBleveTextIndex(dir)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeIncompatibleIndex, errors.GetCode(err))

	// The underlying index directory was not touched
	_, statErr := os.Stat(filepath.Join(dir, "index_meta.json"))
	assert.NoError(t, statErr)
}

// TS09: empty query returns empty results without error
func TestBleveTextIndex_EmptyQuery(t *testing.T) {
	idx := newTextIndex(t)
	ctx := context.Background()

	for _, search := range []func() ([]*TextResult, error){
		func() ([]*TextResult, error) { return idx.Search(ctx, "  ", 10) },
		func() ([]*TextResult, error) { return idx.SearchFuzzy(ctx, "", 2, 10) },
		func() ([]*TextResult, error) { return idx.SearchPhrase(ctx, "", 0, 10) },
	} {
		results, err := search()
		require.NoError(t, err)
		assert.Empty(t, results)
	}
}

func resultIDs(results []*TextResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.DocID
	}
	return ids
}
