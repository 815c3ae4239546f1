package seekr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekr-dev/seekr/internal/errors"
)

// TS01: defaults validate cleanly
func TestConfig_DefaultsValid(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 40, cfg.ChunkTargetLines)
	assert.Equal(t, 200, cfg.ChunkMaxLines)
	assert.Equal(t, int64(100*1024*1024), cfg.MaxFileBytes)
	assert.Equal(t, 1.2, cfg.BM25K1)
	assert.Equal(t, 0.75, cfg.BM25B)
	assert.Equal(t, FusionRRF, cfg.FusionMode)
	assert.Equal(t, 60, cfg.RRFConstant)
	assert.Equal(t, 3, cfg.DedupLineWindow)
	assert.Equal(t, 2, cfg.MaxEditDistance)
}

// TS02: each invalid field is rejected with a config error
func TestConfig_ValidateRejects(t *testing.T) {
	mutations := []func(*Config){
		func(c *Config) { c.ChunkTargetLines = 0 },
		func(c *Config) { c.ChunkMaxLines = 10; c.ChunkTargetLines = 40 },
		func(c *Config) { c.MaxFileBytes = 0 },
		func(c *Config) { c.EmbeddingDim = 0 },
		func(c *Config) { c.BM25B = 1.5 },
		func(c *Config) { c.BM25K1 = -1 },
		func(c *Config) { c.FusionMode = "mystery" },
		func(c *Config) { c.RRFConstant = -1 },
		func(c *Config) { c.DedupLineWindow = -1 },
		func(c *Config) { c.MaxEditDistance = 3 },
		func(c *Config) { c.FusionWeights.Vector = -0.1 },
	}

	for i, mutate := range mutations {
		cfg := DefaultConfig("")
		mutate(&cfg)
		err := cfg.Validate()
		require.Error(t, err, "mutation %d", i)
		assert.Equal(t, errors.ErrCodeConfigInvalid, errors.GetCode(err), "mutation %d", i)
	}
}

// TS03: weight defaults sum to 1
func TestDefaultWeights(t *testing.T) {
	w := DefaultWeights()
	assert.InDelta(t, 1.0, w.BM25+w.Text+w.Vector+w.Symbol, 1e-9)
}

// TS04: EmbeddingDim is not checked when vectors are disabled
func TestConfig_DisabledVectorsSkipDimCheck(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.EmbeddingDim = 0
	cfg.DisableVectors = true
	assert.NoError(t, cfg.Validate())
}
