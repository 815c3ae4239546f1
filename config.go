package seekr

import (
	"time"

	"github.com/seekr-dev/seekr/internal/errors"
	"github.com/seekr-dev/seekr/internal/search"
)

// FusionMode selects how constituent scores are combined.
type FusionMode string

const (
	// FusionRRF is Reciprocal Rank Fusion (default).
	FusionRRF FusionMode = "rrf"

	// FusionNormalized is normalized-score fusion: constituent scores are
	// mapped to [0,1] by their 95th-percentile score, then combined.
	FusionNormalized FusionMode = "normalized"
)

// Weights configures the relative importance of the fusion constituents.
// Weights of constituents that did not run are redistributed proportionally
// to the ones present.
type Weights struct {
	BM25   float64
	Text   float64
	Vector float64
	Symbol float64
}

// DefaultWeights returns the default fusion weights.
func DefaultWeights() Weights {
	return Weights{BM25: 0.25, Text: 0.25, Vector: 0.40, Symbol: 0.10}
}

// Config is the engine configuration. Every option is enumerated here;
// callers translate their own flags and files into this struct — the core
// reads no CLI arguments and no environment variables.
type Config struct {
	// BaseDir is the directory under which the full-text index, vector
	// store, chunk table, and BM25 snapshot live. Empty runs fully
	// in-memory (tests, ephemeral sessions).
	BaseDir string

	// ChunkTargetLines is the soft chunk size S (default: 40).
	ChunkTargetLines int

	// ChunkMaxLines is the hard chunk cap Smax (default: 200).
	ChunkMaxLines int

	// MaxFileBytes rejects larger files with FileTooLarge (default: 100 MiB).
	MaxFileBytes int64

	// EmbeddingDim is the vector dimension, fixed at creation time.
	// Must match the injected embedder.
	EmbeddingDim int

	// VectorNormalized enables the vector store's normalized mode:
	// inserts must be unit vectors within 1% (default: true, since the
	// Embedder contract guarantees L2-normalized output).
	VectorNormalized bool

	// BM25K1 is the term frequency saturation parameter (default: 1.2).
	BM25K1 float64

	// BM25B is the length normalization parameter (default: 0.75).
	BM25B float64

	// FusionMode selects rrf or normalized fusion (default: rrf).
	FusionMode FusionMode

	// FusionWeights are the per-constituent weights.
	FusionWeights Weights

	// RRFConstant is the RRF smoothing constant C (default: 60).
	RRFConstant int

	// DedupLineWindow is W: hits from the same file whose line ranges
	// overlap or sit within W lines are merged (default: 3).
	DedupLineWindow int

	// QueryDeadline bounds a search; completed constituents still fuse
	// and the result is marked partial (default: 500ms).
	QueryDeadline time.Duration

	// CacheCapacity bounds the query-results and embedding caches
	// (default: 512).
	CacheCapacity int

	// CacheTTL expires cached entries (default: 60s; 0 never expires).
	CacheTTL time.Duration

	// MaxEditDistance caps fuzzy matching (default: 2).
	MaxEditDistance int

	// SweepInterval paces the background consistency sweep
	// (default: 30s; 0 disables the background sweep).
	SweepInterval time.Duration

	// DisableFullText and DisableVectors drop the respective constituent.
	// A BM25-only engine still answers correctly; the dropped weights are
	// redistributed.
	DisableFullText bool
	DisableVectors  bool
}

// DefaultConfig returns the default configuration rooted at baseDir.
func DefaultConfig(baseDir string) Config {
	return Config{
		BaseDir:          baseDir,
		ChunkTargetLines: 40,
		ChunkMaxLines:    200,
		MaxFileBytes:     100 * 1024 * 1024,
		EmbeddingDim:     768,
		VectorNormalized: true,
		BM25K1:           1.2,
		BM25B:            0.75,
		FusionMode:       FusionRRF,
		FusionWeights:    DefaultWeights(),
		RRFConstant:      search.DefaultRRFConstant,
		DedupLineWindow:  3,
		QueryDeadline:    500 * time.Millisecond,
		CacheCapacity:    512,
		CacheTTL:         60 * time.Second,
		MaxEditDistance:  2,
		SweepInterval:    30 * time.Second,
	}
}

// Validate rejects invalid configuration at construction, not at first use.
func (c *Config) Validate() error {
	if c.ChunkTargetLines <= 0 {
		return errors.Newf(errors.ErrCodeConfigInvalid, "ChunkTargetLines must be positive, got %d", c.ChunkTargetLines)
	}
	if c.ChunkMaxLines < c.ChunkTargetLines {
		return errors.Newf(errors.ErrCodeConfigInvalid,
			"ChunkMaxLines (%d) must be >= ChunkTargetLines (%d)", c.ChunkMaxLines, c.ChunkTargetLines)
	}
	if c.MaxFileBytes <= 0 {
		return errors.Newf(errors.ErrCodeConfigInvalid, "MaxFileBytes must be positive, got %d", c.MaxFileBytes)
	}
	if !c.DisableVectors && c.EmbeddingDim <= 0 {
		return errors.Newf(errors.ErrCodeConfigInvalid, "EmbeddingDim must be positive, got %d", c.EmbeddingDim)
	}
	if c.BM25K1 < 0 || c.BM25B < 0 || c.BM25B > 1 {
		return errors.Newf(errors.ErrCodeConfigInvalid,
			"BM25 parameters out of range: k1=%v b=%v", c.BM25K1, c.BM25B)
	}
	switch c.FusionMode {
	case FusionRRF, FusionNormalized, "":
	default:
		return errors.Newf(errors.ErrCodeConfigInvalid, "unknown fusion mode %q", c.FusionMode)
	}
	if c.RRFConstant < 0 {
		return errors.Newf(errors.ErrCodeConfigInvalid, "RRFConstant must be >= 0, got %d", c.RRFConstant)
	}
	if c.DedupLineWindow < 0 {
		return errors.Newf(errors.ErrCodeConfigInvalid, "DedupLineWindow must be >= 0, got %d", c.DedupLineWindow)
	}
	if c.QueryDeadline < 0 {
		return errors.Newf(errors.ErrCodeConfigInvalid, "QueryDeadline must be >= 0")
	}
	if c.MaxEditDistance < 0 || c.MaxEditDistance > 2 {
		return errors.Newf(errors.ErrCodeConfigInvalid, "MaxEditDistance must be in [0,2], got %d", c.MaxEditDistance)
	}
	w := c.FusionWeights
	if w.BM25 < 0 || w.Text < 0 || w.Vector < 0 || w.Symbol < 0 {
		return errors.Newf(errors.ErrCodeConfigInvalid, "fusion weights must be >= 0")
	}
	return nil
}

// searchWeights converts the public weights to the fusion package's type.
func (w Weights) searchWeights() search.Weights {
	return search.Weights{BM25: w.BM25, Text: w.Text, Vector: w.Vector, Symbol: w.Symbol}
}
