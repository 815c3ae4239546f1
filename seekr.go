package seekr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seekr-dev/seekr/internal/cache"
	"github.com/seekr-dev/seekr/internal/chunk"
	"github.com/seekr-dev/seekr/internal/embed"
	"github.com/seekr-dev/seekr/internal/errors"
	"github.com/seekr-dev/seekr/internal/search"
	"github.com/seekr-dev/seekr/internal/store"
	"github.com/seekr-dev/seekr/internal/textproc"
)

// prefetchFactor is α: each constituent is asked for α·k results before
// fusion so dedup and merging have enough candidates.
const prefetchFactor = 5

// vectorMetadata is the per-record JSON stored alongside each vector.
type vectorMetadata struct {
	Path      string `json:"path"`
	Ord       int    `json:"ord"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// Engine is the hybrid search orchestrator. It owns the chunker, the three
// indices, and the chunk table, dispatches queries concurrently, and keeps
// the indices consistent under concurrent updates.
//
// All methods are safe for concurrent use. Index writes serialize on an
// internal writer lock; searches never block writers.
type Engine struct {
	cfg      Config
	chunker  *chunk.Chunker
	proc     *textproc.Processor
	fuser    *search.Fuser
	embedder embed.Embedder
	symbols  SymbolExtractor
	clock    Clock

	chunks *store.ChunkStore
	bm25   *store.MemoryBM25Index
	text   store.TextIndex    // nil when full-text is disabled
	vector *store.VectorStore // nil when vectors are disabled

	lock       *store.BaseLock
	queryCache *cache.Cache[string, *Response]

	writeMu sync.Mutex // serializes IndexFile/RemoveFile

	errorCount atomic.Int64
	lastCommit atomic.Int64 // unix nanos

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Option configures an Engine at Open time.
type Option func(*Engine)

// WithSymbolExtractor attaches the optional symbol extractor; its hits join
// fusion as a fourth constituent.
func WithSymbolExtractor(s SymbolExtractor) Option {
	return func(e *Engine) { e.symbols = s }
}

// WithClock replaces the time source (tests).
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// NewStaticEmbedder returns the built-in deterministic embedder. It needs
// no network or model files; semantic quality is reduced accordingly.
func NewStaticEmbedder(dims int) Embedder {
	return embed.NewStaticEmbedder(dims)
}

// Open validates the configuration, acquires the base directory, opens or
// recovers the persisted indices, and starts the background consistency
// sweep. The embedder may be nil only when vectors are disabled.
func Open(cfg Config, embedder Embedder, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.DisableVectors {
		if embedder == nil {
			return nil, errors.Newf(errors.ErrCodeConfigInvalid, "embedder required unless vectors are disabled")
		}
		if embedder.Dimensions() != cfg.EmbeddingDim {
			return nil, errors.Newf(errors.ErrCodeDimensionMismatch,
				"embedder produces %d dimensions, config says %d", embedder.Dimensions(), cfg.EmbeddingDim)
		}
	}

	proc := textproc.NewProcessor()
	e := &Engine{
		cfg:     cfg,
		chunker: chunk.NewChunker(chunk.Config{
			TargetLines:  cfg.ChunkTargetLines,
			MaxLines:     cfg.ChunkMaxLines,
			MaxFileBytes: cfg.MaxFileBytes,
		}),
		proc:       proc,
		fuser:      search.NewFuser(search.Mode(cfg.FusionMode), cfg.FusionWeights.searchWeights(), cfg.RRFConstant),
		clock:      systemClock{},
		queryCache: cache.New[string, *Response](cfg.CacheCapacity, cfg.CacheTTL),
		sweepDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if embedder != nil {
		e.embedder = embed.NewCachedEmbedder(embedder, cfg.CacheCapacity, cfg.CacheTTL)
	}

	if err := e.openStores(); err != nil {
		e.releaseStores()
		return nil, err
	}

	// Startup reconciliation repairs whatever a crash mid-install left
	// behind before any query can observe it.
	if err := e.reconcile(context.Background()); err != nil {
		slog.Warn("startup_reconcile_failed", slog.String("error", err.Error()))
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	e.sweepCancel = cancel
	go e.sweepLoop(sweepCtx)

	return e, nil
}

// openStores opens the chunk table, BM25 (warm-started from its snapshot
// when compatible), full-text index, and vector store.
func (e *Engine) openStores() error {
	base := e.cfg.BaseDir

	if base != "" {
		if err := os.MkdirAll(base, 0755); err != nil {
			return errors.Wrap(errors.ErrCodeIOPermanent, err)
		}
		e.lock = store.NewBaseLock(base)
		if err := e.lock.Acquire(); err != nil {
			return err
		}
	}

	var err error
	e.chunks, err = store.NewChunkStore(e.subPath("chunks.db"))
	if err != nil {
		return err
	}

	e.bm25 = store.NewMemoryBM25Index(store.BM25Config{K1: e.cfg.BM25K1, B: e.cfg.BM25B}, e.proc)
	if snapPath := e.subPath("bm25.snapshot"); snapPath != "" {
		if err := e.bm25.LoadSnapshot(snapPath); err != nil {
			if errors.HasCode(err, errors.ErrCodeSnapshotMismatch) {
				slog.Info("bm25_snapshot_rebuild", slog.String("reason", err.Error()))
				if rerr := e.rebuildBM25(context.Background()); rerr != nil {
					return rerr
				}
			} else {
				return err
			}
		} else {
			slog.Debug("bm25_snapshot_loaded")
		}
	}

	if !e.cfg.DisableFullText {
		e.text, err = store.NewBleveTextIndex(e.subPath("fulltext"))
		if err != nil {
			return err
		}
	}

	if !e.cfg.DisableVectors {
		e.vector, err = store.NewVectorStore(e.subPath(filepath.Join("vectors", "vectors.skvc")), store.VectorConfig{
			Dimensions: e.cfg.EmbeddingDim,
			Normalized: e.cfg.VectorNormalized,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// subPath returns a path under the base dir, or "" for in-memory mode.
func (e *Engine) subPath(name string) string {
	if e.cfg.BaseDir == "" {
		return ""
	}
	return filepath.Join(e.cfg.BaseDir, name)
}

// rebuildBM25 replays the chunk table into a fresh BM25 index. Used when
// the on-disk snapshot is missing or version-mismatched.
func (e *Engine) rebuildBM25(ctx context.Context) error {
	e.bm25.Reset()
	ids, err := e.chunks.AllIDs(ctx)
	if err != nil {
		return err
	}
	chunks, err := e.chunks.GetChunks(ctx, ids)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := e.bm25.AddDocument(c.ID, c.Content); err != nil {
			return err
		}
	}
	return e.bm25.Commit()
}

// IndexFile chunks the file and installs the chunks into all indices.
//
// Commits run in the order vector → text → bm25, so a BM25 hit is always
// backed by a live chunk in the other indices. If a commit fails, already
// committed installs are compensated; chunks whose compensation also fails
// land in the pending-repair set for the background sweep.
//
// Re-indexing unchanged content is a no-op at the chunk-id level.
func (e *Engine) IndexFile(ctx context.Context, path string, data []byte) error {
	chunks, err := e.chunker.Chunk(path, data)
	if err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	existing, err := e.chunks.GetChunksByPath(ctx, path)
	if err != nil {
		return err
	}

	newIDs := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		newIDs[c.ID] = struct{}{}
	}
	existingIDs := make(map[string]struct{}, len(existing))
	var staleIDs []string
	for _, c := range existing {
		existingIDs[c.ID] = struct{}{}
		if _, keep := newIDs[c.ID]; !keep {
			staleIDs = append(staleIDs, c.ID)
		}
	}

	var fresh []*chunk.Chunk
	for _, c := range chunks {
		if _, have := existingIDs[c.ID]; !have {
			fresh = append(fresh, c)
		}
	}

	if len(fresh) == 0 && len(staleIDs) == 0 {
		return nil // unchanged content
	}

	// Embeddings first: the expensive step happens before any index is
	// touched, so a failing embedder leaves everything untouched.
	var vectors [][]float32
	if e.vector != nil && len(fresh) > 0 {
		texts := make([]string, len(fresh))
		for i, c := range fresh {
			texts[i] = c.Content
		}
		vectors, err = e.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			e.errorCount.Add(1)
			return errors.Wrap(errors.ErrCodeEmbeddingFailed, err)
		}
	}

	// Chunk table first: it is the source of truth the sweep repairs from.
	if err := e.chunks.SaveChunks(ctx, chunks); err != nil {
		return err
	}

	if err := e.installFresh(ctx, fresh, vectors); err != nil {
		return err
	}

	if len(staleIDs) > 0 {
		if err := e.uninstall(ctx, staleIDs); err != nil {
			return err
		}
		if err := e.chunks.DeleteChunks(ctx, staleIDs); err != nil {
			return err
		}
	}

	e.extractSymbols(ctx, path, data, chunks)
	e.queryCache.Purge()
	e.lastCommit.Store(e.clock.Now().UnixNano())
	return nil
}

// installFresh adds chunks to the three indices and commits them in order
// vector → text → bm25, compensating on failure.
func (e *Engine) installFresh(ctx context.Context, fresh []*chunk.Chunk, vectors [][]float32) error {
	if len(fresh) == 0 {
		return nil
	}

	ids := make([]string, len(fresh))
	for i, c := range fresh {
		ids[i] = c.ID
	}

	// Stage 1: vector store (visible immediately; its Save is durability,
	// not visibility).
	if e.vector != nil {
		for i, c := range fresh {
			meta, _ := json.Marshal(vectorMetadata{
				Path: c.FilePath, Ord: c.Ord, StartLine: c.StartLine, EndLine: c.EndLine,
			})
			if err := e.vector.Add(c.ID, vectors[i], string(meta)); err != nil {
				e.compensate(ctx, ids, compensateVectors)
				return err
			}
		}
		if err := e.vector.Save(ctx); err != nil {
			e.compensate(ctx, ids, compensateVectors)
			return err
		}
	}

	// Stage 2: full-text.
	if e.text != nil {
		docs := make([]*store.TextDocument, len(fresh))
		for i, c := range fresh {
			docs[i] = &store.TextDocument{
				ID: c.ID, Path: c.FilePath, Ord: c.Ord,
				StartLine: c.StartLine, EndLine: c.EndLine, Content: c.Content,
			}
		}
		if err := e.text.Add(ctx, docs); err != nil {
			e.compensate(ctx, ids, compensateVectors)
			return err
		}
		if err := e.text.Commit(ctx); err != nil {
			e.compensate(ctx, ids, compensateVectors)
			return err
		}
	}

	// Stage 3: BM25 last, so a visible BM25 hit is always fully backed.
	for _, c := range fresh {
		if err := e.bm25.AddDocument(c.ID, c.Content); err != nil {
			e.compensate(ctx, ids, compensateVectors|compensateText)
			return err
		}
	}
	if err := e.bm25.Commit(); err != nil {
		e.compensate(ctx, ids, compensateVectors|compensateText)
		return err
	}

	if path := e.subPath("bm25.snapshot"); path != "" {
		if err := e.bm25.SaveSnapshot(path); err != nil {
			slog.Warn("bm25_snapshot_save_failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// compensation targets.
const (
	compensateVectors = 1 << iota
	compensateText
)

// compensate removes partially installed chunks from the indices that
// already took them. Chunks it cannot clean land in pending_repair.
func (e *Engine) compensate(ctx context.Context, ids []string, targets int) {
	e.errorCount.Add(1)

	failed := make(map[string]struct{})

	if targets&compensateVectors != 0 && e.vector != nil {
		for _, id := range ids {
			if err := e.vector.Remove(id); err != nil {
				failed[id] = struct{}{}
			}
		}
	}
	if targets&compensateText != 0 && e.text != nil {
		if err := e.text.Delete(ctx, ids); err == nil {
			if err := e.text.Commit(ctx); err != nil {
				for _, id := range ids {
					failed[id] = struct{}{}
				}
			}
		} else {
			for _, id := range ids {
				failed[id] = struct{}{}
			}
		}
	}

	for id := range failed {
		if err := e.chunks.AddPendingRepair(ctx, id, "compensation failed"); err != nil {
			slog.Error("pending_repair_record_failed",
				slog.String("chunk_id", id),
				slog.String("error", err.Error()))
		}
	}
	if len(failed) > 0 {
		slog.Warn("install_compensation_incomplete", slog.Int("pending", len(failed)))
	}
}

// RemoveFile removes a file's chunks from all indices, in the reverse of
// the install commit order: bm25 → text → vector.
func (e *Engine) RemoveFile(ctx context.Context, path string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	ids, err := e.chunks.DeleteChunksByPath(ctx, path)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	if err := e.uninstall(ctx, ids); err != nil {
		return err
	}

	e.queryCache.Purge()
	e.lastCommit.Store(e.clock.Now().UnixNano())
	return nil
}

// uninstall removes ids from bm25, then text, then vectors. Failures are
// recorded in pending_repair rather than aborting: the chunk rows are
// already gone, so the sweep will finish the removal.
func (e *Engine) uninstall(ctx context.Context, ids []string) error {
	var firstErr error
	record := func(err error) {
		e.errorCount.Add(1)
		if firstErr == nil {
			firstErr = err
		}
		for _, id := range ids {
			_ = e.chunks.AddPendingRepair(ctx, id, "uninstall failed")
		}
	}

	for _, id := range ids {
		if err := e.bm25.RemoveDocument(id); err != nil {
			record(err)
			break
		}
	}
	if firstErr == nil {
		if err := e.bm25.Commit(); err != nil {
			record(err)
		}
	}

	if e.text != nil {
		if err := e.text.Delete(ctx, ids); err != nil {
			record(err)
		} else if err := e.text.Commit(ctx); err != nil {
			record(err)
		}
	}

	if e.vector != nil {
		for _, id := range ids {
			if err := e.vector.Remove(id); err != nil {
				record(err)
				break
			}
		}
		if err := e.vector.Save(ctx); err != nil {
			record(err)
		}
	}

	return firstErr
}

// extractSymbols runs the optional symbol extractor and stores its output,
// attaching each symbol to the chunk covering its start line.
func (e *Engine) extractSymbols(ctx context.Context, path string, data []byte, chunks []*chunk.Chunk) {
	if e.symbols == nil {
		return
	}

	if err := e.chunks.DeleteSymbolsByPath(ctx, path); err != nil {
		slog.Warn("symbol_clear_failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	symbols := e.symbols.Extract(path, data)
	if len(symbols) == 0 {
		return
	}

	records := make([]*store.SymbolRecord, 0, len(symbols))
	for _, sym := range symbols {
		chunkID := ""
		for _, c := range chunks {
			if sym.StartLine >= c.StartLine && sym.StartLine <= c.EndLine {
				chunkID = c.ID
				break
			}
		}
		if chunkID == "" {
			continue
		}
		records = append(records, &store.SymbolRecord{
			Name: sym.Name, Kind: sym.Kind, Path: path,
			StartLine: sym.StartLine, EndLine: sym.EndLine, ChunkID: chunkID,
		})
	}
	if err := e.chunks.SaveSymbols(ctx, records); err != nil {
		slog.Warn("symbol_save_failed", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// Search runs the constituent searches concurrently, fuses their rankings,
// deduplicates, and attaches surrounding-chunk context.
//
// A query whose tokens are all stop words returns an empty response without
// error. On deadline, completed constituents still contribute and the
// response is marked partial.
func (e *Engine) Search(ctx context.Context, query string, k int, opts *SearchOptions) (*Response, error) {
	if opts == nil {
		opts = &SearchOptions{}
	}
	if k <= 0 {
		k = 10
	}

	tokens, err := e.proc.PreprocessQuery(query)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return &Response{Results: []Result{}}, nil
	}

	cacheKey := e.cacheKey(query, k, opts)
	if !opts.SkipCache {
		if cached, ok := e.queryCache.Get(cacheKey); ok {
			return cached, nil
		}
	}

	deadline := e.cfg.QueryDeadline
	if opts.Deadline > 0 {
		deadline = opts.Deadline
	}
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	lists, partial := e.dispatch(ctx, query, k*prefetchFactor, opts)
	if len(lists) == 0 {
		return &Response{Results: []Result{}, Partial: partial}, nil
	}

	fuser := e.fuser
	if opts.Mode != "" || opts.Weights != nil {
		mode := e.cfg.FusionMode
		if opts.Mode != "" {
			mode = opts.Mode
		}
		weights := e.cfg.FusionWeights
		if opts.Weights != nil {
			weights = *opts.Weights
		}
		fuser = search.NewFuser(search.Mode(mode), weights.searchWeights(), e.cfg.RRFConstant)
	}
	fused := fuser.Fuse(lists)

	results, err := e.materialize(context.WithoutCancel(ctx), fused, k)
	if err != nil {
		return nil, err
	}

	resp := &Response{Results: results, Partial: partial}
	if !partial && !opts.SkipCache {
		e.queryCache.Add(cacheKey, resp)
	}
	return resp, nil
}

// dispatch fans the query out to the constituents. A constituent that
// errors or misses the deadline contributes no list; its fusion weight is
// redistributed and the response marked partial.
func (e *Engine) dispatch(ctx context.Context, query string, kPre int, opts *SearchOptions) ([]search.List, bool) {
	var (
		mu      sync.Mutex
		lists   []search.List
		partial bool
	)
	add := func(list search.List) {
		mu.Lock()
		lists = append(lists, list)
		mu.Unlock()
	}
	failed := func(kind search.Constituent, err error) {
		mu.Lock()
		partial = true
		mu.Unlock()
		e.errorCount.Add(1)
		slog.Debug("constituent_failed",
			slog.String("constituent", string(kind)),
			slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hits, err := e.bm25.Search(gctx, query, kPre)
		if err != nil {
			failed(search.ConstituentBM25, err)
			return nil
		}
		list := search.List{Kind: search.ConstituentBM25}
		for _, h := range hits {
			list.Hits = append(list.Hits, search.Hit{ID: h.DocID, Score: h.Score, Ord: -1})
		}
		add(list)
		return nil
	})

	if e.text != nil {
		g.Go(func() error {
			hits, err := e.text.Search(gctx, query, kPre)
			if err != nil {
				failed(search.ConstituentText, err)
				return nil
			}
			list := search.List{Kind: search.ConstituentText}
			for _, h := range hits {
				list.Hits = append(list.Hits, search.Hit{ID: h.DocID, Score: h.Score, Ord: h.Ord})
			}
			add(list)
			return nil
		})
	}

	if e.vector != nil {
		g.Go(func() error {
			queryVec, err := embed.EmbedOne(gctx, e.embedder, query)
			if err != nil {
				failed(search.ConstituentVector, err)
				return nil
			}
			hits, err := e.vector.Search(gctx, queryVec, kPre, opts.MinVectorSimilarity)
			if err != nil {
				failed(search.ConstituentVector, err)
				return nil
			}
			list := search.List{Kind: search.ConstituentVector}
			for _, h := range hits {
				ord := -1
				var meta vectorMetadata
				if json.Unmarshal([]byte(h.MetadataJSON), &meta) == nil {
					ord = meta.Ord
				}
				list.Hits = append(list.Hits, search.Hit{ID: h.ID, Score: float64(h.Similarity), Ord: ord})
			}
			add(list)
			return nil
		})
	}

	if e.symbols != nil {
		g.Go(func() error {
			hits, err := e.searchSymbols(gctx, query, kPre)
			if err != nil {
				failed(search.ConstituentSymbol, err)
				return nil
			}
			add(search.List{Kind: search.ConstituentSymbol, Hits: hits})
			return nil
		})
	}

	_ = g.Wait()
	if ctx.Err() != nil {
		partial = true
	}
	return lists, partial
}

// searchSymbols maps symbol-name matches onto the fusion score band:
// exact name 1.0, prefix 0.7, substring 0.4.
func (e *Engine) searchSymbols(ctx context.Context, query string, k int) ([]search.Hit, error) {
	name := strings.TrimSpace(query)
	records, err := e.chunks.SearchSymbols(ctx, name, k)
	if err != nil {
		return nil, err
	}

	hits := make([]search.Hit, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	lower := strings.ToLower(name)
	for _, rec := range records {
		if _, dup := seen[rec.ChunkID]; dup {
			continue
		}
		seen[rec.ChunkID] = struct{}{}

		score := 0.4
		recLower := strings.ToLower(rec.Name)
		switch {
		case recLower == lower:
			score = 1.0
		case strings.HasPrefix(recLower, lower):
			score = 0.7
		}
		hits = append(hits, search.Hit{ID: rec.ChunkID, Score: score, Ord: -1})
	}
	return hits, nil
}

// materialize resolves fused ids to chunks, merges adjacent hits from the
// same file, truncates to k, and attaches three-chunk context.
func (e *Engine) materialize(ctx context.Context, fused []*search.Fused, k int) ([]Result, error) {
	if len(fused) == 0 {
		return []Result{}, nil
	}

	ids := make([]string, len(fused))
	for i, f := range fused {
		ids[i] = f.ID
	}
	chunks, err := e.chunks.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*chunk.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	hits := make([]*rankedHit, 0, len(fused))
	for _, f := range fused {
		c, ok := byID[f.ID]
		if !ok {
			// Index returned an id the chunk table no longer has; the
			// sweep will clean the orphan, skip it here.
			continue
		}
		hits = append(hits, &rankedHit{chunk: c, fused: f})
	}

	merged := mergeAdjacent(hits, e.cfg.DedupLineWindow)
	if len(merged) > k {
		merged = merged[:k]
	}

	results := make([]Result, 0, len(merged))
	for _, m := range merged {
		r := Result{
			ChunkID:         m.primary.chunk.ID,
			Path:            m.primary.chunk.FilePath,
			StartLine:       m.startLine,
			EndLine:         m.endLine,
			Content:         m.content,
			Score:           m.score,
			ScoreComponents: componentsOf(m.primary.fused),
		}
		e.attachContext(ctx, &r, m)
		results = append(results, r)
	}
	return results, nil
}

// attachContext fetches the chunks neighboring the merged range.
func (e *Engine) attachContext(ctx context.Context, r *Result, m *mergedHit) {
	prev, _, err := e.chunks.GetNeighbors(ctx, r.Path, m.firstOrd)
	if err != nil {
		slog.Debug("context_fetch_failed", slog.String("chunk_id", r.ChunkID), slog.String("error", err.Error()))
		return
	}
	_, next, err := e.chunks.GetNeighbors(ctx, r.Path, m.lastOrd)
	if err != nil {
		slog.Debug("context_fetch_failed", slog.String("chunk_id", r.ChunkID), slog.String("error", err.Error()))
		return
	}

	if prev != nil {
		r.Context.Above = &ContextChunk{
			ChunkID: prev.ID, StartLine: prev.StartLine, EndLine: prev.EndLine, Content: prev.Content,
		}
	}
	if next != nil {
		r.Context.Below = &ContextChunk{
			ChunkID: next.ID, StartLine: next.StartLine, EndLine: next.EndLine, Content: next.Content,
		}
	}
}

// componentsOf copies the constituent scores into the public shape.
func componentsOf(f *search.Fused) ScoreComponents {
	var sc ScoreComponents
	if v, ok := f.Components[search.ConstituentBM25]; ok {
		sc.BM25 = &v
	}
	if v, ok := f.Components[search.ConstituentText]; ok {
		sc.Text = &v
	}
	if v, ok := f.Components[search.ConstituentVector]; ok {
		sc.Vector = &v
	}
	if v, ok := f.Components[search.ConstituentSymbol]; ok {
		sc.Symbol = &v
	}
	return sc
}

// cacheKey builds the query-cache key from everything that affects the
// response.
func (e *Engine) cacheKey(query string, k int, opts *SearchOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%d|%s", query, k, opts.Mode)
	if opts.Weights != nil {
		fmt.Fprintf(&b, "|%v", *opts.Weights)
	}
	if opts.MinVectorSimilarity != nil {
		fmt.Fprintf(&b, "|%v", *opts.MinVectorSimilarity)
	}
	return b.String()
}

// Stats returns sizes, last-commit timestamp, and error counters.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	chunkCount, err := e.chunks.Count(ctx)
	if err != nil {
		return nil, err
	}
	repairs, err := e.chunks.ListPendingRepairs(ctx, 1<<20)
	if err != nil {
		return nil, err
	}

	bmStats := e.bm25.Stats()
	st := &Stats{
		ChunksTotal:    chunkCount,
		BM25Terms:      bmStats.TermCount,
		BM25Documents:  bmStats.DocumentCount,
		PendingRepairs: len(repairs),
		ErrorCount:     e.errorCount.Load(),
	}
	if e.vector != nil {
		st.VectorCount = e.vector.Count()
	}
	if e.text != nil {
		if n, err := e.text.DocCount(); err == nil {
			st.FulltextDocs = n
		}
		if bt, ok := e.text.(*store.BleveTextIndex); ok {
			st.FulltextCommits = bt.Commits()
		}
	}
	if nanos := e.lastCommit.Load(); nanos > 0 {
		st.LastCommit = time.Unix(0, nanos)
	}
	return st, nil
}

// Close stops the sweep, flushes pending state, and releases resources in
// reverse commit order. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.sweepCancel != nil {
			e.sweepCancel()
			<-e.sweepDone
		}
		e.closeErr = e.releaseStores()
	})
	return e.closeErr
}

func (e *Engine) releaseStores() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if e.bm25 != nil {
		if path := e.subPath("bm25.snapshot"); path != "" {
			keep(e.bm25.SaveSnapshot(path))
		}
		keep(e.bm25.Close())
	}
	if e.text != nil {
		keep(e.text.Close())
	}
	if e.vector != nil {
		keep(e.vector.Save(context.Background()))
		keep(e.vector.Close())
	}
	if e.chunks != nil {
		keep(e.chunks.Close())
	}
	if e.embedder != nil {
		keep(e.embedder.Close())
	}
	if e.lock != nil {
		keep(e.lock.Release())
	}
	return firstErr
}

// rankedHit pairs a fused entry with its resolved chunk.
type rankedHit struct {
	chunk *chunk.Chunk
	fused *search.Fused
}

// mergedHit is one result after adjacency merging.
type mergedHit struct {
	primary   *rankedHit // highest-scoring member
	startLine int
	endLine   int
	firstOrd  int
	lastOrd   int
	content   string
	score     float64
}

// mergeAdjacent merges hits that share a path and whose line ranges overlap
// or sit within window lines of each other. The merged hit takes the
// maximum fused score and the union line range; output stays ordered by
// score. Merging is idempotent: merging an already-merged list is a no-op.
func mergeAdjacent(hits []*rankedHit, window int) []*mergedHit {
	byPath := make(map[string][]*rankedHit)
	var order []string
	for _, h := range hits {
		if _, seen := byPath[h.chunk.FilePath]; !seen {
			order = append(order, h.chunk.FilePath)
		}
		byPath[h.chunk.FilePath] = append(byPath[h.chunk.FilePath], h)
	}

	var merged []*mergedHit
	for _, path := range order {
		group := byPath[path]
		sort.Slice(group, func(i, j int) bool {
			return group[i].chunk.StartLine < group[j].chunk.StartLine
		})

		var current *mergedHit
		var members []*rankedHit
		flush := func() {
			if current == nil {
				return
			}
			current.content = joinContents(members)
			merged = append(merged, current)
			current = nil
			members = nil
		}

		for _, h := range group {
			if current != nil && h.chunk.StartLine <= current.endLine+window {
				members = append(members, h)
				if h.chunk.EndLine > current.endLine {
					current.endLine = h.chunk.EndLine
				}
				if h.chunk.Ord < current.firstOrd {
					current.firstOrd = h.chunk.Ord
				}
				if h.chunk.Ord > current.lastOrd {
					current.lastOrd = h.chunk.Ord
				}
				if h.fused.Score > current.score {
					current.score = h.fused.Score
					current.primary = h
				}
				continue
			}
			flush()
			current = &mergedHit{
				primary:   h,
				startLine: h.chunk.StartLine,
				endLine:   h.chunk.EndLine,
				firstOrd:  h.chunk.Ord,
				lastOrd:   h.chunk.Ord,
				score:     h.fused.Score,
			}
			members = []*rankedHit{h}
		}
		flush()
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].score != merged[j].score {
			return merged[i].score > merged[j].score
		}
		if merged[i].primary.chunk.Ord != merged[j].primary.chunk.Ord {
			return merged[i].primary.chunk.Ord < merged[j].primary.chunk.Ord
		}
		return merged[i].primary.chunk.ID < merged[j].primary.chunk.ID
	})
	return merged
}

// joinContents concatenates member chunk contents in file order.
func joinContents(members []*rankedHit) string {
	sort.Slice(members, func(i, j int) bool {
		return members[i].chunk.Ord < members[j].chunk.Ord
	})
	parts := make([]string, len(members))
	for i, m := range members {
		parts[i] = m.chunk.Content
	}
	return strings.Join(parts, "\n")
}
