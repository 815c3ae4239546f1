// Package search implements score fusion over the constituent result lists.
// The default is Reciprocal Rank Fusion (RRF) for robust rank-based scoring.
package search

import (
	"math"
	"sort"
)

// DefaultRRFConstant is the standard RRF smoothing parameter.
// C=60 is empirically validated across domains.
const DefaultRRFConstant = 60

// Constituent identifies a search source feeding fusion.
type Constituent string

const (
	ConstituentBM25   Constituent = "bm25"
	ConstituentText   Constituent = "text"
	ConstituentVector Constituent = "vector"
	ConstituentSymbol Constituent = "symbol"
)

// Mode selects the fusion algorithm.
type Mode string

const (
	// ModeRRF is Reciprocal Rank Fusion: fused(d) = Σ w_s / (C + rank_s(d)).
	ModeRRF Mode = "rrf"

	// ModeNormalized maps each constituent score to [0,1] by its
	// 95th-percentile score (clipped to 1), then combines linearly.
	ModeNormalized Mode = "normalized"
)

// Weights configures the relative importance of each constituent. Weights
// of absent constituents are redistributed proportionally to the present
// ones.
type Weights struct {
	BM25   float64
	Text   float64
	Vector float64
	Symbol float64
}

// DefaultWeights returns the default fusion weights.
func DefaultWeights() Weights {
	return Weights{
		BM25:   0.25,
		Text:   0.25,
		Vector: 0.40,
		Symbol: 0.10,
	}
}

func (w Weights) forKind(kind Constituent) float64 {
	switch kind {
	case ConstituentBM25:
		return w.BM25
	case ConstituentText:
		return w.Text
	case ConstituentVector:
		return w.Vector
	case ConstituentSymbol:
		return w.Symbol
	default:
		return 0
	}
}

// Hit is one ranked entry from a constituent list, ordered best-first.
type Hit struct {
	ID    string
	Score float64
	Ord   int // chunk ordinal for tie-breaking, -1 when unknown
}

// List is one constituent's ranked results. A constituent that did not run
// (disabled, failed, or cancelled) is simply not passed to Fuse; its weight
// is redistributed.
type List struct {
	Kind Constituent
	Hits []Hit
}

// Fused is a single document after fusion.
type Fused struct {
	ID    string
	Score float64

	// Components preserves each constituent's original score for the
	// documents it returned.
	Components map[Constituent]float64

	// Ranks holds 1-indexed positions per constituent (absent if the
	// document was not in that list).
	Ranks map[Constituent]int

	// vecSimilarity and ord back the deterministic tie-breaks.
	vecSimilarity float64
	ord           int
}

// Fuser combines constituent result lists.
type Fuser struct {
	C       int
	Mode    Mode
	Weights Weights
}

// NewFuser creates a fuser with the given mode. C <= 0 defaults to 60.
func NewFuser(mode Mode, weights Weights, c int) *Fuser {
	if c <= 0 {
		c = DefaultRRFConstant
	}
	if mode == "" {
		mode = ModeRRF
	}
	return &Fuser{C: c, Mode: mode, Weights: weights}
}

// Fuse combines the present constituent lists into one ranked list.
//
// Fused scores are monotonic in each constituent rank: improving a
// document's rank in one list (others unchanged) never lowers its fused
// score. Final order ties break by higher vector similarity, then lower
// ordinal, then ID.
func (f *Fuser) Fuse(lists []List) []*Fused {
	lists = nonEmptyKinds(lists)
	if len(lists) == 0 {
		return []*Fused{}
	}

	weights := f.renormalize(lists)

	fused := make(map[string]*Fused)
	get := func(id string) *Fused {
		if d, ok := fused[id]; ok {
			return d
		}
		d := &Fused{
			ID:         id,
			Components: make(map[Constituent]float64, len(lists)),
			Ranks:      make(map[Constituent]int, len(lists)),
			ord:        -1,
		}
		fused[id] = d
		return d
	}

	for _, list := range lists {
		w := weights[list.Kind]
		p95 := percentile95(list.Hits)

		for rank, hit := range list.Hits {
			d := get(hit.ID)
			d.Components[list.Kind] = hit.Score
			d.Ranks[list.Kind] = rank + 1

			switch f.Mode {
			case ModeNormalized:
				d.Score += w * normalizedScore(hit.Score, p95)
			default:
				d.Score += w / float64(f.C+rank+1)
			}

			if list.Kind == ConstituentVector {
				d.vecSimilarity = hit.Score
			}
			if hit.Ord >= 0 && (d.ord < 0 || hit.Ord < d.ord) {
				d.ord = hit.Ord
			}
		}
	}

	results := make([]*Fused, 0, len(fused))
	for _, d := range fused {
		results = append(results, d)
	}
	sort.Slice(results, func(i, j int) bool {
		return compareFused(results[i], results[j])
	})
	return results
}

// nonEmptyKinds drops lists with a zero-weight kind placeholder; empty hit
// lists stay (the constituent ran, it just found nothing).
func nonEmptyKinds(lists []List) []List {
	out := lists[:0:len(lists)]
	for _, l := range lists {
		if l.Kind != "" {
			out = append(out, l)
		}
	}
	return out
}

// renormalize scales the weights of the present constituents to sum to 1.
func (f *Fuser) renormalize(lists []List) map[Constituent]float64 {
	weights := make(map[Constituent]float64, len(lists))
	var total float64
	for _, l := range lists {
		w := f.Weights.forKind(l.Kind)
		weights[l.Kind] = w
		total += w
	}
	if total <= 0 {
		// All configured weights are zero: fall back to equal shares.
		for kind := range weights {
			weights[kind] = 1 / float64(len(weights))
		}
		return weights
	}
	for kind, w := range weights {
		weights[kind] = w / total
	}
	return weights
}

// percentile95 returns the 95th-percentile score of a best-first list, used
// as the normalization reference. Returns 0 for an empty list.
func percentile95(hits []Hit) float64 {
	if len(hits) == 0 {
		return 0
	}
	scores := make([]float64, len(hits))
	for i, h := range hits {
		scores[i] = h.Score
	}
	sort.Float64s(scores)
	idx := int(math.Ceil(0.95*float64(len(scores)))) - 1
	if idx < 0 {
		idx = 0
	}
	return scores[idx]
}

// normalizedScore maps a score into [0,1] against the p95 reference,
// clipped to 1.
func normalizedScore(score, p95 float64) float64 {
	if p95 <= 0 {
		return 0
	}
	n := score / p95
	if n > 1 {
		return 1
	}
	if n < 0 {
		return 0
	}
	return n
}

// compareFused implements the deterministic final order: higher fused
// score, then higher vector similarity, then lower ordinal, then ID.
func compareFused(a, b *Fused) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.vecSimilarity != b.vecSimilarity {
		return a.vecSimilarity > b.vecSimilarity
	}
	if a.ord != b.ord {
		return a.ord < b.ord
	}
	return a.ID < b.ID
}
