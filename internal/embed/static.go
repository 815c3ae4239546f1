package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/seekr-dev/seekr/internal/textproc"
)

// Feature weights for vector generation.
const (
	tokenWeight   = 0.6
	conceptWeight = 1.0
	ngramWeight   = 0.3
	ngramSize     = 3
)

// conceptGroups maps domain vocabulary onto shared concept buckets so that
// related phrasings land near each other despite hashing. This is what
// gives the offline embedder its (limited) semantic quality.
var conceptGroups = map[string]string{
	"ai": "concept_ai", "artificial": "concept_ai", "intelligence": "concept_ai",
	"machine": "concept_ai", "learning": "concept_ai", "neural": "concept_ai",
	"network": "concept_ai", "networks": "concept_ai", "model": "concept_ai",

	"programming": "concept_lang", "language": "concept_lang", "languages": "concept_lang",
	"compiler": "concept_lang", "interpreted": "concept_lang", "syntax": "concept_lang",
	"rust": "concept_lang", "python": "concept_lang", "golang": "concept_lang",

	"web": "concept_web", "html": "concept_web", "css": "concept_web",
	"javascript": "concept_web", "browser": "concept_web", "frontend": "concept_web",

	"database": "concept_db", "databases": "concept_db", "sql": "concept_db",
	"query": "concept_db", "storage": "concept_db", "store": "concept_db",

	"error": "concept_err", "errors": "concept_err", "exception": "concept_err",
	"panic": "concept_err", "failure": "concept_err",

	"test": "concept_test", "testing": "concept_test", "tests": "concept_test",
	"assert": "concept_test", "mock": "concept_test",
}

// StaticEmbedder generates embeddings with hashed token, concept, and
// n-gram features. No network, no model download: deterministic and fast,
// with reduced semantic quality.
type StaticEmbedder struct {
	mu     sync.RWMutex
	dims   int
	proc   *textproc.Processor
	closed bool
}

// NewStaticEmbedder creates a static embedder. A non-positive dims uses
// DefaultDimensions.
func NewStaticEmbedder(dims int) *StaticEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &StaticEmbedder{
		dims: dims,
		// The concept table keys on surface forms, so skip stemming here.
		proc: textproc.NewProcessor(textproc.WithoutStemming()),
	}
}

// EmbedBatch generates embeddings for multiple texts.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("embedder is closed")
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		vectors[i] = e.embedOne(text)
	}
	return vectors, nil
}

func (e *StaticEmbedder) embedOne(text string) []float32 {
	vector := make([]float32, e.dims)

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		// Zero vectors break cosine; use a fixed unit basis instead.
		vector[0] = 1
		return vector
	}

	tokens, err := e.proc.Preprocess(trimmed)
	if err != nil {
		// Invalid UTF-8 degrades to raw n-gram features.
		tokens = nil
	}

	for _, token := range tokens {
		vector[hashToIndex(token, e.dims)] += tokenWeight
		if concept, ok := conceptGroups[token]; ok {
			vector[hashToIndex(concept, e.dims)] += conceptWeight
		}
	}

	for _, ngram := range extractNgrams(strings.ToLower(trimmed), ngramSize) {
		vector[hashToIndex(ngram, e.dims)] += ngramWeight
	}

	return normalizeVector(vector)
}

// Dimensions returns the embedding dimension.
func (e *StaticEmbedder) Dimensions() int {
	return e.dims
}

// Name returns the model identifier.
func (e *StaticEmbedder) Name() string {
	return fmt.Sprintf("static-%d", e.dims)
}

// Close releases resources.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Verify interface implementation
var _ Embedder = (*StaticEmbedder)(nil)

// hashToIndex maps a feature to a vector index with FNV-1a.
func hashToIndex(s string, dims int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(dims))
}

// extractNgrams returns character n-grams of the given size.
func extractNgrams(text string, size int) []string {
	runes := []rune(text)
	if len(runes) < size {
		return nil
	}
	ngrams := make([]string, 0, len(runes)-size+1)
	for i := 0; i+size <= len(runes); i++ {
		ngrams = append(ngrams, string(runes[i:i+size]))
	}
	return ngrams
}
