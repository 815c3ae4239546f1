package store

import (
	"container/heap"
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/seekr-dev/seekr/internal/errors"
	"github.com/seekr-dev/seekr/internal/textproc"
)

// MemoryBM25Index is an in-memory inverted index with Okapi BM25 scoring.
//
// Writes are staged and become visible atomically at Commit, which swaps an
// immutable copy-on-write snapshot: readers never see partial updates and
// never block writers.
type MemoryBM25Index struct {
	mu       sync.Mutex // guards pending, poisoned, closed
	snap     atomic.Pointer[bm25Snapshot]
	pending  []bm25Op
	config   BM25Config
	proc     *textproc.Processor
	poisoned bool
	closed   bool
}

// bm25Snapshot is the immutable readable state. Posting maps reachable from
// a published snapshot are never mutated; Commit copies the ones it touches.
type bm25Snapshot struct {
	postings map[string]map[string]int // term -> docID -> tf
	docTerms map[string]map[string]int // docID -> term -> tf
	docLen   map[string]int            // docID -> term count after preprocessing
	totalLen int64
}

func emptySnapshot() *bm25Snapshot {
	return &bm25Snapshot{
		postings: map[string]map[string]int{},
		docTerms: map[string]map[string]int{},
		docLen:   map[string]int{},
	}
}

// bm25Op is a staged write. Adds carry the preprocessed terms so Commit
// never tokenizes.
type bm25Op struct {
	remove bool
	docID  string
	terms  []string
}

// NewMemoryBM25Index creates an empty BM25 index.
func NewMemoryBM25Index(cfg BM25Config, proc *textproc.Processor) *MemoryBM25Index {
	if cfg.K1 == 0 {
		cfg.K1 = 1.2
	}
	if cfg.B == 0 {
		cfg.B = 0.75
	}
	if proc == nil {
		proc = textproc.NewProcessor()
	}
	idx := &MemoryBM25Index{
		config: cfg,
		proc:   proc,
	}
	idx.snap.Store(emptySnapshot())
	return idx
}

// AddDocument tokenizes content and stages it for indexing. Idempotent in
// id: re-adding the same id replaces its postings atomically at Commit.
func (b *MemoryBM25Index) AddDocument(id, content string) error {
	terms, err := b.proc.Preprocess(content)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.writable(); err != nil {
		return err
	}

	b.pending = append(b.pending, bm25Op{docID: id, terms: terms})
	return nil
}

// RemoveDocument stages removal of a document. Removing an unknown id is a
// no-op at Commit.
func (b *MemoryBM25Index) RemoveDocument(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.writable(); err != nil {
		return err
	}

	b.pending = append(b.pending, bm25Op{remove: true, docID: id})
	return nil
}

// writable reports why the index refuses writes, if it does.
// Caller must hold mu.
func (b *MemoryBM25Index) writable() error {
	if b.closed {
		return errors.Newf(errors.ErrCodeIndexFailed, "bm25 index is closed")
	}
	if b.poisoned {
		return errors.Newf(errors.ErrCodePoisonedIndex,
			"bm25 index refused write after invariant violation; Reset required")
	}
	return nil
}

// Commit makes staged changes visible to concurrent searchers. Before
// Commit, searchers see the previous snapshot. The snapshot swap is the
// linearization point.
func (b *MemoryBM25Index) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.writable(); err != nil {
		return err
	}
	if len(b.pending) == 0 {
		return nil
	}

	next := b.snap.Load().clone()
	for _, op := range b.pending {
		next.removeDoc(op.docID)
		if !op.remove {
			next.addDoc(op.docID, op.terms)
		}
	}

	if err := next.verify(); err != nil {
		b.poisoned = true
		return err
	}

	b.snap.Store(next)
	b.pending = nil
	return nil
}

// Search returns at most k hits in descending score order. Equal scores are
// ordered by document ID for determinism. A query whose tokens are all stop
// words returns empty results without error.
func (b *MemoryBM25Index) Search(ctx context.Context, query string, k int) ([]*BM25Result, error) {
	if k <= 0 {
		return []*BM25Result{}, nil
	}
	tokens, err := b.proc.PreprocessQuery(query)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return []*BM25Result{}, nil
	}

	snap := b.snap.Load()
	n := len(snap.docLen)
	if n == 0 {
		return []*BM25Result{}, nil
	}
	avgdl := float64(snap.totalLen) / float64(n)

	// Deduplicate query terms; the score sums each distinct term once.
	seen := make(map[string]struct{}, len(tokens))
	scores := make(map[string]float64)
	matched := make(map[string][]string)

	for _, term := range tokens {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}

		postings, ok := snap.postings[term]
		if !ok {
			continue
		}
		df := len(postings)
		idf := math.Log((float64(n)-float64(df)+0.5)/(float64(df)+0.5) + 1.0)

		for docID, tf := range postings {
			dl := float64(snap.docLen[docID])
			denom := float64(tf) + b.config.K1*(1-b.config.B+b.config.B*dl/avgdl)
			scores[docID] += idf * float64(tf) * (b.config.K1 + 1) / denom
			matched[docID] = append(matched[docID], term)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	return topK(scores, matched, k), nil
}

// AllIDs returns all document IDs visible in the current snapshot.
// Used for consistency checking between stores.
func (b *MemoryBM25Index) AllIDs() []string {
	snap := b.snap.Load()
	ids := make([]string, 0, len(snap.docLen))
	for id := range snap.docLen {
		ids = append(ids, id)
	}
	return ids
}

// Contains reports whether the committed snapshot holds the document.
func (b *MemoryBM25Index) Contains(id string) bool {
	_, ok := b.snap.Load().docLen[id]
	return ok
}

// Stats returns statistics for the committed snapshot.
func (b *MemoryBM25Index) Stats() *BM25Stats {
	snap := b.snap.Load()
	stats := &BM25Stats{
		DocumentCount: len(snap.docLen),
		TermCount:     len(snap.postings),
	}
	if stats.DocumentCount > 0 {
		stats.AvgDocLength = float64(snap.totalLen) / float64(stats.DocumentCount)
	}
	return stats
}

// Reset discards all state, including the poisoned flag.
func (b *MemoryBM25Index) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snap.Store(emptySnapshot())
	b.pending = nil
	b.poisoned = false
}

// Close marks the index closed. Searches on the last snapshot keep working.
func (b *MemoryBM25Index) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// clone copies the outer maps. Inner posting and term maps are shared with
// the source snapshot until a write touches them.
func (s *bm25Snapshot) clone() *bm25Snapshot {
	next := &bm25Snapshot{
		postings: make(map[string]map[string]int, len(s.postings)),
		docTerms: make(map[string]map[string]int, len(s.docTerms)),
		docLen:   make(map[string]int, len(s.docLen)),
		totalLen: s.totalLen,
	}
	for term, p := range s.postings {
		next.postings[term] = p
	}
	for doc, t := range s.docTerms {
		next.docTerms[doc] = t
	}
	for doc, l := range s.docLen {
		next.docLen[doc] = l
	}
	return next
}

// removeDoc drops a document's postings, copying each touched posting list.
// Terms whose document frequency drops to zero are removed entirely.
func (s *bm25Snapshot) removeDoc(docID string) {
	termCounts, ok := s.docTerms[docID]
	if !ok {
		return
	}
	for term := range termCounts {
		old := s.postings[term]
		if len(old) == 1 {
			delete(s.postings, term)
			continue
		}
		next := make(map[string]int, len(old)-1)
		for d, tf := range old {
			if d != docID {
				next[d] = tf
			}
		}
		s.postings[term] = next
	}
	s.totalLen -= int64(s.docLen[docID])
	delete(s.docLen, docID)
	delete(s.docTerms, docID)
}

// addDoc installs a document's postings, copying each touched posting list.
func (s *bm25Snapshot) addDoc(docID string, terms []string) {
	counts := make(map[string]int, len(terms))
	for _, t := range terms {
		counts[t]++
	}
	for term, tf := range counts {
		old := s.postings[term]
		next := make(map[string]int, len(old)+1)
		for d, f := range old {
			next[d] = f
		}
		next[docID] = tf
		s.postings[term] = next
	}
	s.docTerms[docID] = counts
	s.docLen[docID] = len(terms)
	s.totalLen += int64(len(terms))
}

// verify checks the snapshot invariants before publication: document length
// totals reconcile and every posting carries a positive term frequency.
func (s *bm25Snapshot) verify() error {
	var sum int64
	for _, l := range s.docLen {
		sum += int64(l)
	}
	if sum != s.totalLen {
		return errors.Newf(errors.ErrCodeIndexCorrupt,
			"bm25 length table out of sync: sum=%d total=%d", sum, s.totalLen)
	}
	for term, postings := range s.postings {
		for docID, tf := range postings {
			if tf <= 0 {
				return errors.Newf(errors.ErrCodeIndexCorrupt,
					"bm25 posting %s/%s has tf=%d", term, docID, tf)
			}
		}
	}
	return nil
}

// resultHeap is a bounded min-heap keeping the k best results. The root is
// the worst kept result; a candidate beats it if it scores higher, or ties
// with a lexicographically smaller document ID.
type resultHeap []*BM25Result

func (h resultHeap) Len() int { return len(h) }
func (h resultHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score < h[j].Score
	}
	return h[i].DocID > h[j].DocID
}
func (h resultHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)   { *h = append(*h, x.(*BM25Result)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// topK selects the k best scored documents using a bounded heap.
func topK(scores map[string]float64, matched map[string][]string, k int) []*BM25Result {
	h := make(resultHeap, 0, k)
	heap.Init(&h)

	for docID, score := range scores {
		candidate := &BM25Result{DocID: docID, Score: score, MatchedTerms: matched[docID]}
		if len(h) < k {
			heap.Push(&h, candidate)
			continue
		}
		worst := h[0]
		if candidate.Score > worst.Score ||
			(candidate.Score == worst.Score && candidate.DocID < worst.DocID) {
			h[0] = candidate
			heap.Fix(&h, 0)
		}
	}

	// Pop ascending, fill descending.
	results := make([]*BM25Result, len(h))
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(&h).(*BM25Result)
	}
	return results
}
