package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	bsearch "github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/seekr-dev/seekr/internal/errors"
	"github.com/seekr-dev/seekr/internal/textproc"
)

const (
	// codeTokenizerName is the name of our custom code tokenizer.
	codeTokenizerName = "code_tokenizer"

	// codeAnalyzerName is the name of our custom code analyzer.
	codeAnalyzerName = "code_analyzer"

	// fulltextSchemaVersion is bumped whenever the document mapping changes
	// incompatibly.
	fulltextSchemaVersion = 1

	// schemaFileName records the schema version inside the index directory.
	schemaFileName = "seekr_schema.json"

	// minFuzzyQueryLength disables fuzzy matching for short terms whose
	// edit-distance expansions are too broad to be useful.
	minFuzzyQueryLength = 4

	// maxFuzzyDistance caps the Levenshtein edit distance.
	maxFuzzyDistance = 2
)

func init() {
	_ = registry.RegisterTokenizer(codeTokenizerName, codeTokenizerConstructor)
}

// BleveTextIndex wraps bleve for line-granular full-text search with exact,
// fuzzy, and phrase queries. Updates are batched; Commit is the visibility
// boundary. The index persists to a directory and survives restarts.
type BleveTextIndex struct {
	mu      sync.Mutex // serializes writes; bleve handles concurrent reads
	index   bleve.Index
	path    string
	batch   *bleve.Batch
	commits int
	closed  bool
}

// bleveTextDoc is the document structure handed to bleve.
type bleveTextDoc struct {
	Content   string `json:"content"`
	Path      string `json:"path"`
	Ord       int    `json:"ord"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

type schemaRecord struct {
	Version int `json:"version"`
}

// NewBleveTextIndex opens or creates a full-text index at path. An empty
// path creates an in-memory index for testing.
//
// Opening an existing directory with a different schema version returns
// ErrCodeIncompatibleIndex without touching the existing data.
func NewBleveTextIndex(path string) (*BleveTextIndex, error) {
	indexMapping, err := createTextMapping()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeIndexFailed, err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeIndexFailed, err)
		}
	} else {
		idx, err = openOrCreateDisk(path, indexMapping)
		if err != nil {
			return nil, err
		}
	}

	t := &BleveTextIndex{index: idx, path: path}
	t.batch = idx.NewBatch()
	return t, nil
}

func openOrCreateDisk(path string, indexMapping *mapping.IndexMappingImpl) (bleve.Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeIOPermanent, err)
	}

	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, indexMapping)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeIndexFailed, err)
		}
		if err := writeSchemaRecord(path); err != nil {
			_ = idx.Close()
			return nil, err
		}
		return idx, nil
	}
	if err != nil {
		if isBleveCorruption(err) {
			return nil, errors.Wrap(errors.ErrCodeIndexCorrupt, err)
		}
		return nil, errors.Wrap(errors.ErrCodeIndexFailed, err)
	}

	version, verr := readSchemaRecord(path)
	if verr != nil || version != fulltextSchemaVersion {
		_ = idx.Close()
		return nil, errors.Newf(errors.ErrCodeIncompatibleIndex,
			"fulltext index at %s has schema version %d, want %d", path, version, fulltextSchemaVersion)
	}
	return idx, nil
}

func writeSchemaRecord(dir string) error {
	data, err := json.Marshal(schemaRecord{Version: fulltextSchemaVersion})
	if err != nil {
		return errors.Wrap(errors.ErrCodeSerialization, err)
	}
	if err := os.WriteFile(filepath.Join(dir, schemaFileName), data, 0644); err != nil {
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	return nil
}

func readSchemaRecord(dir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(dir, schemaFileName))
	if err != nil {
		return 0, err
	}
	var rec schemaRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, err
	}
	return rec.Version, nil
}

// isBleveCorruption checks if an error indicates bleve index corruption.
func isBleveCorruption(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "unexpected end of JSON") ||
		strings.Contains(errStr, "error parsing mapping JSON") ||
		strings.Contains(errStr, "failed to load segment") ||
		strings.Contains(errStr, "error opening bolt") ||
		err == bleve.ErrorIndexMetaCorrupt
}

// createTextMapping builds the fixed schema: content tokenized and stored,
// path/ord/start_line/end_line stored.
func createTextMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(codeAnalyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     codeTokenizerName,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}

	contentField := bleve.NewTextFieldMapping()
	contentField.Analyzer = codeAnalyzerName
	contentField.Store = true

	pathField := bleve.NewKeywordFieldMapping()
	pathField.Store = true

	numField := bleve.NewNumericFieldMapping()
	numField.Store = true

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("content", contentField)
	docMapping.AddFieldMappingsAt("path", pathField)
	docMapping.AddFieldMappingsAt("ord", numField)
	docMapping.AddFieldMappingsAt("start_line", numField)
	docMapping.AddFieldMappingsAt("end_line", numField)

	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = codeAnalyzerName

	return indexMapping, nil
}

// Add queues documents into the pending batch. Changes become visible at
// Commit.
func (t *BleveTextIndex) Add(ctx context.Context, docs []*TextDocument) error {
	if len(docs) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.Newf(errors.ErrCodeIndexFailed, "fulltext index is closed")
	}

	for _, doc := range docs {
		bdoc := bleveTextDoc{
			Content:   doc.Content,
			Path:      doc.Path,
			Ord:       doc.Ord,
			StartLine: doc.StartLine,
			EndLine:   doc.EndLine,
		}
		if err := t.batch.Index(doc.ID, bdoc); err != nil {
			return errors.Wrap(errors.ErrCodeIndexFailed, err)
		}
	}
	return nil
}

// Delete queues document removals into the pending batch.
func (t *BleveTextIndex) Delete(ctx context.Context, docIDs []string) error {
	if len(docIDs) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.Newf(errors.ErrCodeIndexFailed, "fulltext index is closed")
	}

	for _, id := range docIDs {
		t.batch.Delete(id)
	}
	return nil
}

// Commit executes the pending batch, making queued changes visible to
// searchers. Transient failures are retried with backoff.
func (t *BleveTextIndex) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.Newf(errors.ErrCodeIndexFailed, "fulltext index is closed")
	}
	if t.batch.Size() == 0 {
		return nil
	}

	err := errors.Retry(ctx, errors.DefaultRetryConfig(), func() error {
		if berr := t.index.Batch(t.batch); berr != nil {
			return classifyBackendErr(berr)
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.batch = t.index.NewBatch()
	t.commits++
	return nil
}

// classifyBackendErr maps backend failures onto the transient/permanent
// taxonomy so the retry layer only retries what can succeed.
func classifyBackendErr(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "temporarily unavailable"),
		strings.Contains(msg, "resource busy"),
		strings.Contains(msg, "timeout"):
		return errors.Wrap(errors.ErrCodeBackendBusy, err)
	default:
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
}

// Search runs the default match query over content.
func (t *BleveTextIndex) Search(ctx context.Context, queryStr string, k int) ([]*TextResult, error) {
	if strings.TrimSpace(queryStr) == "" {
		return []*TextResult{}, nil
	}
	matchQuery := bleve.NewMatchQuery(queryStr)
	matchQuery.SetField("content")
	return t.runQuery(ctx, matchQuery, k)
}

// SearchFuzzy matches query terms within the given Levenshtein edit
// distance (transpositions count as one edit). Distance is capped at 2, and
// terms shorter than four characters fall back to exact matching.
func (t *BleveTextIndex) SearchFuzzy(ctx context.Context, queryStr string, maxEditDistance, k int) ([]*TextResult, error) {
	if strings.TrimSpace(queryStr) == "" {
		return []*TextResult{}, nil
	}
	if maxEditDistance < 0 {
		maxEditDistance = 0
	}
	if maxEditDistance > maxFuzzyDistance {
		maxEditDistance = maxFuzzyDistance
	}

	terms := strings.Fields(strings.ToLower(queryStr))
	subQueries := make([]query.Query, 0, len(terms))
	for _, term := range terms {
		if maxEditDistance == 0 || utf8.RuneCountInString(term) < minFuzzyQueryLength {
			mq := bleve.NewMatchQuery(term)
			mq.SetField("content")
			subQueries = append(subQueries, mq)
			continue
		}
		fq := bleve.NewFuzzyQuery(term)
		fq.SetField("content")
		fq.SetFuzziness(maxEditDistance)
		subQueries = append(subQueries, fq)
	}
	if len(subQueries) == 0 {
		return []*TextResult{}, nil
	}

	return t.runQuery(ctx, bleve.NewDisjunctionQuery(subQueries...), k)
}

// SearchPhrase matches the phrase with term adjacency. A slop of zero uses
// bleve's match-phrase semantics; a positive slop degrades to a conjunction
// of the phrase terms, which bounds the window by document granularity
// rather than exact distance.
func (t *BleveTextIndex) SearchPhrase(ctx context.Context, phrase string, slop, k int) ([]*TextResult, error) {
	if strings.TrimSpace(phrase) == "" {
		return []*TextResult{}, nil
	}

	if slop <= 0 {
		pq := bleve.NewMatchPhraseQuery(phrase)
		pq.SetField("content")
		return t.runQuery(ctx, pq, k)
	}

	terms := strings.Fields(phrase)
	subQueries := make([]query.Query, 0, len(terms))
	for _, term := range terms {
		mq := bleve.NewMatchQuery(term)
		mq.SetField("content")
		subQueries = append(subQueries, mq)
	}
	return t.runQuery(ctx, bleve.NewConjunctionQuery(subQueries...), k)
}

func (t *BleveTextIndex) runQuery(ctx context.Context, q query.Query, k int) ([]*TextResult, error) {
	if k <= 0 {
		return []*TextResult{}, nil
	}

	req := bleve.NewSearchRequest(q)
	req.Size = k
	req.Fields = []string{"path", "ord", "start_line", "end_line"}

	result, err := t.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSearchFailed, err)
	}

	results := make([]*TextResult, 0, len(result.Hits))
	for _, hit := range result.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, nil
}

func hitToResult(hit *bsearch.DocumentMatch) *TextResult {
	r := &TextResult{DocID: hit.ID, Score: hit.Score}
	if v, ok := hit.Fields["path"].(string); ok {
		r.Path = v
	}
	if v, ok := hit.Fields["ord"].(float64); ok {
		r.Ord = int(v)
	}
	if v, ok := hit.Fields["start_line"].(float64); ok {
		r.StartLine = int(v)
	}
	if v, ok := hit.Fields["end_line"].(float64); ok {
		r.EndLine = int(v)
	}
	return r
}

// AllIDs returns all document IDs in the index.
// Used for consistency checking between stores.
func (t *BleveTextIndex) AllIDs(ctx context.Context) ([]string, error) {
	docCount, err := t.index.DocCount()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSearchFailed, err)
	}
	if docCount == 0 {
		return []string{}, nil
	}

	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = int(docCount)

	result, err := t.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSearchFailed, err)
	}

	ids := make([]string, len(result.Hits))
	for i, hit := range result.Hits {
		ids[i] = hit.ID
	}
	return ids, nil
}

// DocCount returns the number of visible documents.
func (t *BleveTextIndex) DocCount() (int, error) {
	n, err := t.index.DocCount()
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeSearchFailed, err)
	}
	return int(n), nil
}

// Commits returns the number of successful commits since open.
func (t *BleveTextIndex) Commits() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commits
}

// Close closes the index. Pending uncommitted changes are discarded.
func (t *BleveTextIndex) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.batch.Size() > 0 {
		slog.Warn("fulltext_discarding_uncommitted",
			slog.Int("pending", t.batch.Size()))
	}
	return t.index.Close()
}

// Verify interface implementation
var _ TextIndex = (*BleveTextIndex)(nil)

// codeTokenizerConstructor creates the code tokenizer for bleve.
func codeTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &bleveCodeTokenizer{proc: textproc.NewProcessor(textproc.WithoutStemming())}, nil
}

// bleveCodeTokenizer implements analysis.Tokenizer using the shared
// code-aware tokenization (camelCase/snake_case splitting).
type bleveCodeTokenizer struct {
	proc *textproc.Processor
}

// Tokenize implements analysis.Tokenizer.
func (t *bleveCodeTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	tokens, err := t.proc.Preprocess(text)
	if err != nil {
		return analysis.TokenStream{}
	}

	result := make(analysis.TokenStream, 0, len(tokens))
	pos := 1
	offset := 0

	for _, token := range tokens {
		// Find token position in original text (case-insensitive search)
		start := strings.Index(strings.ToLower(text[offset:]), token)
		if start == -1 {
			start = offset
		} else {
			start += offset
		}
		end := start + len(token)

		result = append(result, &analysis.Token{
			Term:     []byte(token),
			Start:    start,
			End:      end,
			Position: pos,
			Type:     analysis.AlphaNumeric,
		})
		pos++
		if end <= len(text) {
			offset = end
		}
	}

	return result
}
