package seekr

import (
	"context"

	"github.com/seekr-dev/seekr/internal/errors"
	"github.com/seekr-dev/seekr/internal/store"
)

// SearchFuzzy queries the full-text constituent alone, matching terms
// within the given Levenshtein edit distance (capped by the configured
// MaxEditDistance). Results carry only the text score component.
func (e *Engine) SearchFuzzy(ctx context.Context, query string, maxEditDistance, k int) ([]Result, error) {
	if e.text == nil {
		return nil, errors.Newf(errors.ErrCodeConfigInvalid, "full-text constituent is disabled")
	}
	if maxEditDistance > e.cfg.MaxEditDistance {
		maxEditDistance = e.cfg.MaxEditDistance
	}
	if k <= 0 {
		k = 10
	}

	hits, err := e.text.SearchFuzzy(ctx, query, maxEditDistance, k)
	if err != nil {
		return nil, err
	}
	return e.textResults(ctx, hits)
}

// SearchPhrase queries the full-text constituent alone with phrase
// matching. A slop of zero requires exact adjacency.
func (e *Engine) SearchPhrase(ctx context.Context, phrase string, slop, k int) ([]Result, error) {
	if e.text == nil {
		return nil, errors.Newf(errors.ErrCodeConfigInvalid, "full-text constituent is disabled")
	}
	if k <= 0 {
		k = 10
	}

	hits, err := e.text.SearchPhrase(ctx, phrase, slop, k)
	if err != nil {
		return nil, err
	}
	return e.textResults(ctx, hits)
}

// textResults resolves text hits against the chunk table.
func (e *Engine) textResults(ctx context.Context, hits []*store.TextResult) ([]Result, error) {
	if len(hits) == 0 {
		return []Result{}, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.DocID
	}
	chunks, err := e.chunks.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]string, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c.Content
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		content, ok := byID[h.DocID]
		if !ok {
			continue
		}
		score := h.Score
		results = append(results, Result{
			ChunkID:         h.DocID,
			Path:            h.Path,
			StartLine:       h.StartLine,
			EndLine:         h.EndLine,
			Content:         content,
			Score:           score,
			ScoreComponents: ScoreComponents{Text: &score},
		})
	}
	return results, nil
}
