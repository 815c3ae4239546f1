package seekr

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/seekr-dev/seekr/internal/embed"
	"github.com/seekr-dev/seekr/internal/errors"
	"github.com/seekr-dev/seekr/internal/store"
)

// maxRepairAttempts bounds how often the sweep retries one chunk; later
// sweeps skip entries at the limit. The attempt count is stored with the
// entry in the chunk table, so a restart does not reset it.
const maxRepairAttempts = 8

// sweepLoop periodically reconciles the indices against the chunk table and
// retries pending repairs. It exits when the engine closes.
func (e *Engine) sweepLoop(ctx context.Context) {
	defer close(e.sweepDone)

	if e.cfg.SweepInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("consistency_sweep_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep runs one consistency pass: orphan records (present in an index but
// missing from the chunk table) are deleted, missing records (present in
// the chunk table but absent from an index) are re-installed, and the
// pending-repair set is retried with backoff. Exposed so hosts and tests
// can force a pass.
func (e *Engine) Sweep(ctx context.Context) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.reconcile(ctx); err != nil {
		return err
	}
	return e.processPendingRepairs(ctx)
}

// reconcile compares each index's id set against the chunk table, which is
// the source of truth. A chunk present everywhere ends up either fully
// installed or fully absent, so a search never returns a dangling id.
func (e *Engine) reconcile(ctx context.Context) error {
	tableIDs, err := e.chunks.AllIDs(ctx)
	if err != nil {
		return err
	}
	inTable := make(map[string]bool, len(tableIDs))
	for _, id := range tableIDs {
		inTable[id] = true
	}

	var orphans, missing []string
	collect := func(indexIDs []string) map[string]bool {
		set := make(map[string]bool, len(indexIDs))
		for _, id := range indexIDs {
			set[id] = true
			if !inTable[id] {
				orphans = append(orphans, id)
			}
		}
		return set
	}

	bm25Set := collect(e.bm25.AllIDs())

	var textSet, vectorSet map[string]bool
	if e.text != nil {
		textIDs, err := e.text.AllIDs(ctx)
		if err != nil {
			return err
		}
		textSet = collect(textIDs)
	}
	if e.vector != nil {
		vectorSet = collect(e.vector.AllIDs())
	}

	for _, id := range tableIDs {
		if !bm25Set[id] ||
			(textSet != nil && !textSet[id]) ||
			(vectorSet != nil && !vectorSet[id]) {
			missing = append(missing, id)
		}
	}

	if len(orphans) == 0 && len(missing) == 0 {
		return nil
	}
	slog.Info("consistency_repair",
		slog.Int("orphans", len(orphans)),
		slog.Int("missing", len(missing)))

	if len(orphans) > 0 {
		e.deleteOrphans(ctx, dedupe(orphans))
	}
	for _, id := range missing {
		if err := e.finishInstall(ctx, id); err != nil {
			slog.Warn("reinstall_failed",
				slog.String("chunk_id", id),
				slog.String("error", err.Error()))
			_ = e.chunks.AddPendingRepair(ctx, id, "reinstall failed")
		}
	}
	return nil
}

// deleteOrphans removes ids from every index, best-effort.
func (e *Engine) deleteOrphans(ctx context.Context, ids []string) {
	for _, id := range ids {
		_ = e.bm25.RemoveDocument(id)
	}
	if err := e.bm25.Commit(); err != nil {
		slog.Warn("orphan_bm25_delete_failed", slog.String("error", err.Error()))
	}

	if e.text != nil {
		if err := e.text.Delete(ctx, ids); err == nil {
			if err := e.text.Commit(ctx); err != nil {
				slog.Warn("orphan_text_delete_failed", slog.String("error", err.Error()))
			}
		} else {
			slog.Warn("orphan_text_delete_failed", slog.String("error", err.Error()))
		}
	}

	if e.vector != nil {
		for _, id := range ids {
			if err := e.vector.Remove(id); err != nil {
				slog.Warn("orphan_vector_delete_failed",
					slog.String("chunk_id", id),
					slog.String("error", err.Error()))
			}
		}
	}
}

// finishInstall completes a partial install from the chunk table content:
// the preferred repair. The chunk is re-added to whichever index is missing
// it; adds are idempotent in the chunk id.
func (e *Engine) finishInstall(ctx context.Context, id string) error {
	c, err := e.chunks.GetChunk(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		// Row vanished since the scan; treat as orphan everywhere.
		e.deleteOrphans(ctx, []string{id})
		return nil
	}

	if e.vector != nil && !e.vector.Contains(id) {
		vec, err := embed.EmbedOne(ctx, e.embedder, c.Content)
		if err != nil {
			return errors.Wrap(errors.ErrCodeEmbeddingFailed, err)
		}
		meta, _ := json.Marshal(vectorMetadata{
			Path: c.FilePath, Ord: c.Ord, StartLine: c.StartLine, EndLine: c.EndLine,
		})
		if err := e.vector.Add(id, vec, string(meta)); err != nil {
			return err
		}
		if err := e.vector.Save(ctx); err != nil {
			return err
		}
	}

	if e.text != nil {
		doc := &store.TextDocument{
			ID: c.ID, Path: c.FilePath, Ord: c.Ord,
			StartLine: c.StartLine, EndLine: c.EndLine, Content: c.Content,
		}
		if err := e.text.Add(ctx, []*store.TextDocument{doc}); err != nil {
			return err
		}
		if err := e.text.Commit(ctx); err != nil {
			return err
		}
	}

	if !e.bm25.Contains(id) {
		if err := e.bm25.AddDocument(id, c.Content); err != nil {
			return err
		}
		if err := e.bm25.Commit(); err != nil {
			return err
		}
	}

	return nil
}

// processPendingRepairs retries recorded repairs with the adapter backoff,
// resolving entries that succeed and bumping the attempt count on the rest.
func (e *Engine) processPendingRepairs(ctx context.Context) error {
	entries, err := e.chunks.ListPendingRepairs(ctx, 256)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.Attempts >= maxRepairAttempts {
			continue
		}

		repairErr := errors.Retry(ctx, errors.DefaultRetryConfig(), func() error {
			return e.finishInstall(ctx, entry.ChunkID)
		})
		if repairErr != nil {
			e.errorCount.Add(1)
			if err := e.chunks.BumpPendingRepair(ctx, entry.ChunkID); err != nil {
				return err
			}
			continue
		}
		if err := e.chunks.ResolvePendingRepair(ctx, entry.ChunkID); err != nil {
			return err
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
