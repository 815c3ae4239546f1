package store

import (
	"bufio"
	"container/heap"
	"context"
	"encoding/binary"
	"hash/crc32"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/seekr-dev/seekr/internal/errors"
)

// Vector store file layout, little-endian:
//
//	[MAGIC 4B][VERSION u32][DIMS u32][NORMALIZED u8][COUNT u64]
//	per record: [len u32][id][len u32][metadata][dims f32][crc u32]
//
// The CRC covers id, metadata, and vector bytes; a torn or bit-flipped
// record fails verification and the store refuses to open.
var vectorStoreMagic = [4]byte{'S', 'K', 'V', 'C'}

const vectorStoreVersion uint32 = 1

// vectorRecord is one stored vector with its metadata.
type vectorRecord struct {
	vec  []float32
	meta string
}

// VectorStore holds dense embeddings keyed by chunk identity with top-k
// cosine retrieval. Flat scan is the mandatory correct path; an HNSW graph
// accelerates large collections and falls back to flat if it cannot be
// built.
type VectorStore struct {
	mu      sync.RWMutex
	config  VectorConfig
	records map[string]*vectorRecord
	path    string

	graph       *hnsw.Graph[string]
	graphOK     bool
	graphFailed bool

	closed bool
}

// NewVectorStore creates a vector store. If path is non-empty and a
// previous file exists, it is loaded; a corrupt file refuses to open rather
// than returning wrong results.
func NewVectorStore(path string, cfg VectorConfig) (*VectorStore, error) {
	if cfg.Dimensions <= 0 {
		return nil, errors.Newf(errors.ErrCodeConfigInvalid, "vector dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.NormTolerance == 0 {
		cfg.NormTolerance = 0.01
	}
	if cfg.ApproxThreshold == 0 {
		cfg.ApproxThreshold = 4096
	}

	s := &VectorStore{
		config:  cfg,
		records: make(map[string]*vectorRecord),
		path:    path,
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := s.load(path); err != nil {
				return nil, err
			}
		}
	}

	return s, nil
}

// Add inserts a vector. Rejects wrong dimension, non-finite components,
// and — in normalized mode — norms outside the tolerance band. Re-adding an
// existing id replaces it.
func (s *VectorStore) Add(id string, vector []float32, metadataJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Newf(errors.ErrCodeIndexFailed, "vector store is closed")
	}

	if len(vector) != s.config.Dimensions {
		return errors.Newf(errors.ErrCodeDimensionMismatch,
			"expected %d dimensions, got %d", s.config.Dimensions, len(vector))
	}
	for _, v := range vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return errors.Newf(errors.ErrCodeInvalidInput, "vector contains non-finite component")
		}
	}
	if s.config.Normalized {
		norm := l2Norm(vector)
		if norm < 1-s.config.NormTolerance || norm > 1+s.config.NormTolerance {
			return errors.Newf(errors.ErrCodeInvalidInput,
				"vector norm %.4f outside [%.2f, %.2f]", norm, 1-s.config.NormTolerance, 1+s.config.NormTolerance)
		}
	}

	vec := make([]float32, len(vector))
	copy(vec, vector)
	s.records[id] = &vectorRecord{vec: vec, meta: metadataJSON}

	if s.graphOK {
		// Lazy replacement: the graph keeps the old node, search filters
		// through the records map.
		s.graph.Add(hnsw.MakeNode(id, vec))
	} else {
		s.maybeBuildGraph()
	}

	return nil
}

// Remove deletes a vector by id. Unknown ids are a no-op. The HNSW node, if
// any, is lazily deleted: it stays in the graph but is filtered from
// results.
func (s *VectorStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Newf(errors.ErrCodeIndexFailed, "vector store is closed")
	}
	delete(s.records, id)
	return nil
}

// Search returns at most k results in descending cosine order. Similarity
// is the dot product over pre-normalized vectors, in [-1, 1]. A non-nil
// threshold filters to similarity >= *threshold.
func (s *VectorStore) Search(ctx context.Context, queryVector []float32, k int, threshold *float32) ([]*VectorResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.Newf(errors.ErrCodeIndexFailed, "vector store is closed")
	}
	if len(queryVector) != s.config.Dimensions {
		return nil, errors.Newf(errors.ErrCodeDimensionMismatch,
			"expected %d dimensions, got %d", s.config.Dimensions, len(queryVector))
	}
	if k <= 0 || len(s.records) == 0 {
		return []*VectorResult{}, nil
	}

	var results []*VectorResult
	if s.graphOK {
		results = s.searchGraph(queryVector, k)
	} else {
		results = s.searchFlat(ctx, queryVector, k)
	}

	if threshold != nil {
		filtered := results[:0]
		for _, r := range results {
			if r.Similarity >= *threshold {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}
	return results, nil
}

// searchFlat is the brute-force scan: always correct.
func (s *VectorStore) searchFlat(ctx context.Context, query []float32, k int) []*VectorResult {
	h := make(vectorHeap, 0, k)
	heap.Init(&h)

	i := 0
	for id, rec := range s.records {
		sim := dot(query, rec.vec)
		candidate := &VectorResult{ID: id, Similarity: sim, MetadataJSON: rec.meta}
		if len(h) < k {
			heap.Push(&h, candidate)
		} else if worse(h[0], candidate) {
			h[0] = candidate
			heap.Fix(&h, 0)
		}

		i++
		if i%4096 == 0 {
			select {
			case <-ctx.Done():
				return drainHeap(h)
			default:
			}
		}
	}

	return drainHeap(h)
}

// searchGraph queries the HNSW graph, over-fetching to compensate for
// lazily deleted nodes, then filters through the live records map.
func (s *VectorStore) searchGraph(query []float32, k int) []*VectorResult {
	fetch := k * 2
	if fetch < k+8 {
		fetch = k + 8
	}
	nodes := s.graph.Search(query, fetch)

	results := make([]*VectorResult, 0, len(nodes))
	for _, node := range nodes {
		rec, live := s.records[node.Key]
		if !live {
			continue
		}
		results = append(results, &VectorResult{
			ID:           node.Key,
			Similarity:   dot(query, rec.vec),
			MetadataJSON: rec.meta,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// maybeBuildGraph builds the approximate index once the collection crosses
// the threshold. A build failure logs a warning and leaves flat search in
// place — never wrong results because an index is unavailable.
// Caller must hold mu.
func (s *VectorStore) maybeBuildGraph() {
	if s.graphFailed || s.graphOK || s.config.ApproxThreshold <= 0 {
		return
	}
	if len(s.records) < s.config.ApproxThreshold {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.graphFailed = true
			s.graph = nil
			slog.Warn("vector_approx_index_failed",
				slog.Any("panic", r),
				slog.Int("count", len(s.records)))
		}
	}()

	g := hnsw.NewGraph[string]()
	g.Distance = hnsw.CosineDistance
	for id, rec := range s.records {
		g.Add(hnsw.MakeNode(id, rec.vec))
	}
	s.graph = g
	s.graphOK = true
	slog.Debug("vector_approx_index_built", slog.Int("count", len(s.records)))
}

// AllIDs returns all vector IDs in the store.
// Used for consistency checking between stores.
func (s *VectorStore) AllIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids
}

// Contains checks if an id exists.
func (s *VectorStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok
}

// Count returns the number of vectors.
func (s *VectorStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Dimensions returns the fixed vector dimension.
func (s *VectorStore) Dimensions() int {
	return s.config.Dimensions
}

// Save persists the store to its path with per-record checksums.
// The write is atomic (temp file plus rename) and retried on transient
// failures.
func (s *VectorStore) Save(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.Newf(errors.ErrCodeIndexFailed, "vector store is closed")
	}
	if s.path == "" {
		return nil
	}

	return errors.Retry(ctx, errors.DefaultRetryConfig(), func() error {
		return s.writeFile(s.path)
	})
}

func (s *VectorStore) writeFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return classifyBackendErr(err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return classifyBackendErr(err)
	}

	w := bufio.NewWriter(file)
	werr := s.writeRecords(w)
	if werr == nil {
		werr = w.Flush()
	}
	if werr == nil {
		werr = file.Sync()
	}
	if cerr := file.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmpPath)
		return classifyBackendErr(werr)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return classifyBackendErr(err)
	}
	return nil
}

func (s *VectorStore) writeRecords(w *bufio.Writer) error {
	if _, err := w.Write(vectorStoreMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, vectorStoreVersion); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(s.config.Dimensions)); err != nil {
		return err
	}
	normalized := uint8(0)
	if s.config.Normalized {
		normalized = 1
	}
	if err := binary.Write(w, binary.LittleEndian, normalized); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s.records))); err != nil {
		return err
	}

	for id, rec := range s.records {
		if err := writeString(w, id); err != nil {
			return err
		}
		if err := writeString(w, rec.meta); err != nil {
			return err
		}
		crc := crc32.NewIEEE()
		crc.Write([]byte(id))
		crc.Write([]byte(rec.meta))
		for _, v := range rec.vec {
			bits := math.Float32bits(v)
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], bits)
			if _, err := w.Write(buf[:]); err != nil {
				return err
			}
			crc.Write(buf[:])
		}
		if err := binary.Write(w, binary.LittleEndian, crc.Sum32()); err != nil {
			return err
		}
	}
	return nil
}

// load reads a persisted file, verifying version, dimension, mode, and each
// record checksum. Any failure refuses the open cleanly.
func (s *VectorStore) load(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrap(errors.ErrCodeIOPermanent, err)
	}
	defer file.Close()

	r := bufio.NewReader(file)

	var magic [4]byte
	if _, err := readFull(r, magic[:]); err != nil {
		return errors.Newf(errors.ErrCodeIndexCorrupt, "vector store truncated: %v", err)
	}
	if magic != vectorStoreMagic {
		return errors.Newf(errors.ErrCodeIncompatibleIndex, "bad vector store magic %q", magic)
	}
	var version, dims uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return errors.Newf(errors.ErrCodeIndexCorrupt, "vector store truncated: %v", err)
	}
	if version != vectorStoreVersion {
		return errors.Newf(errors.ErrCodeIncompatibleIndex,
			"vector store version %d, want %d", version, vectorStoreVersion)
	}
	if err := binary.Read(r, binary.LittleEndian, &dims); err != nil {
		return errors.Newf(errors.ErrCodeIndexCorrupt, "vector store truncated: %v", err)
	}
	if int(dims) != s.config.Dimensions {
		return errors.Newf(errors.ErrCodeDimensionMismatch,
			"vector store has %d dimensions, configured %d", dims, s.config.Dimensions)
	}
	var normalized uint8
	if err := binary.Read(r, binary.LittleEndian, &normalized); err != nil {
		return errors.Newf(errors.ErrCodeIndexCorrupt, "vector store truncated: %v", err)
	}
	if (normalized == 1) != s.config.Normalized {
		return errors.Newf(errors.ErrCodeIncompatibleIndex,
			"vector store normalized=%v, configured %v; refusing silent mixing", normalized == 1, s.config.Normalized)
	}

	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return errors.Newf(errors.ErrCodeIndexCorrupt, "vector store truncated: %v", err)
	}

	for range count {
		id, err := readString(r)
		if err != nil {
			return errors.Newf(errors.ErrCodeIndexCorrupt, "vector store truncated: %v", err)
		}
		meta, err := readString(r)
		if err != nil {
			return errors.Newf(errors.ErrCodeIndexCorrupt, "vector store truncated: %v", err)
		}

		crc := crc32.NewIEEE()
		crc.Write([]byte(id))
		crc.Write([]byte(meta))

		vec := make([]float32, dims)
		var buf [4]byte
		for i := range vec {
			if _, err := readFull(r, buf[:]); err != nil {
				return errors.Newf(errors.ErrCodeIndexCorrupt, "vector store truncated: %v", err)
			}
			crc.Write(buf[:])
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[:]))
		}

		var stored uint32
		if err := binary.Read(r, binary.LittleEndian, &stored); err != nil {
			return errors.Newf(errors.ErrCodeIndexCorrupt, "vector store truncated: %v", err)
		}
		if stored != crc.Sum32() {
			return errors.Newf(errors.ErrCodeIndexCorrupt,
				"vector record %s failed checksum", id)
		}

		s.records[id] = &vectorRecord{vec: vec, meta: meta}
	}

	s.maybeBuildGraph()
	slog.Debug("vector_store_loaded", slog.Int("count", len(s.records)))
	return nil
}

// Close releases resources without saving; call Save first for durability.
func (s *VectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	s.graphOK = false
	return nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// dot computes the dot product; over pre-normalized vectors this is the
// cosine similarity.
func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// l2Norm computes the Euclidean norm.
func l2Norm(v []float32) float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	return float32(math.Sqrt(sumSquares))
}

// vectorHeap is a bounded min-heap: the root is the worst kept result.
type vectorHeap []*VectorResult

func (h vectorHeap) Len() int { return len(h) }
func (h vectorHeap) Less(i, j int) bool {
	if h[i].Similarity != h[j].Similarity {
		return h[i].Similarity < h[j].Similarity
	}
	return h[i].ID > h[j].ID
}
func (h vectorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *vectorHeap) Push(x any)   { *h = append(*h, x.(*VectorResult)) }
func (h *vectorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// worse reports whether a ranks below b.
func worse(a, b *VectorResult) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity < b.Similarity
	}
	return a.ID > b.ID
}

// drainHeap empties the heap into descending order.
func drainHeap(h vectorHeap) []*VectorResult {
	results := make([]*VectorResult, len(h))
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(&h).(*VectorResult)
	}
	return results
}
