package chunk

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekr-dev/seekr/internal/errors"
)

func defaultChunker() *Chunker {
	return NewChunker(DefaultConfig())
}

// TS01: empty file yields zero chunks, zero errors
func TestChunker_EmptyFile(t *testing.T) {
	chunks, err := defaultChunker().Chunk("empty.go", nil)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

// TS02: single-line file yields exactly one chunk [1,1]
func TestChunker_SingleLine(t *testing.T) {
	chunks, err := defaultChunker().Chunk("one.go", []byte("package main"))
	require.NoError(t, err)

	require.Len(t, chunks, 1)
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 1, chunks[0].EndLine)
	assert.Equal(t, 0, chunks[0].Ord)
	assert.Equal(t, "package main", chunks[0].Content)
}

// TS03: chunks cover the file with no gaps and reproduce the content
func TestChunker_Coverage(t *testing.T) {
	var b strings.Builder
	for i := 1; i <= 250; i++ {
		fmt.Fprintf(&b, "line %d of the test file\n", i)
		if i%17 == 0 {
			b.WriteString("\n")
		}
	}
	content := b.String()

	chunks, err := defaultChunker().Chunk("big.txt", []byte(content))
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	// Contiguous line ranges, ordered by ord
	expectLine := 1
	for i, c := range chunks {
		assert.Equal(t, i, c.Ord)
		assert.Equal(t, expectLine, c.StartLine, "chunk %d start", i)
		assert.GreaterOrEqual(t, c.EndLine, c.StartLine)
		expectLine = c.EndLine + 1
	}

	// Concatenation reproduces the file modulo trailing newline
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Content
	}
	assert.Equal(t, strings.TrimSuffix(content, "\n"), strings.Join(parts, "\n"))
}

// TS04: no chunk exceeds the hard cap
func TestChunker_MaxLines(t *testing.T) {
	cfg := Config{TargetLines: 10, MaxLines: 25}
	chunker := NewChunker(cfg)

	// No blank lines, no declarations: worst case for breakpoints
	content := strings.Repeat("x := compute(x)\n", 400)
	chunks, err := chunker.Chunk("dense.go", []byte(content))
	require.NoError(t, err)

	for _, c := range chunks {
		lines := c.EndLine - c.StartLine + 1
		assert.LessOrEqual(t, lines, cfg.MaxLines)
	}
}

// TS05: breakpoints prefer blank lines within [S/2, S]
func TestChunker_BreaksAtBlankLine(t *testing.T) {
	chunker := NewChunker(Config{TargetLines: 10, MaxLines: 40})

	var b strings.Builder
	for i := 1; i <= 20; i++ {
		if i == 8 {
			b.WriteString("\n")
			continue
		}
		fmt.Fprintf(&b, "line%d\n", i)
	}

	chunks, err := chunker.Chunk("blank.txt", []byte(b.String()))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 2)

	// First chunk ends at the blank line (line 8)
	assert.Equal(t, 8, chunks[0].EndLine)
}

// TS06: chunk IDs are stable and change with content or path
func TestChunker_StableIDs(t *testing.T) {
	content := []byte("package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n")

	first, err := defaultChunker().Chunk("main.go", content)
	require.NoError(t, err)
	second, err := defaultChunker().Chunk("main.go", content)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}

	// Different content at the same path gives different ids
	changed, err := defaultChunker().Chunk("main.go", []byte("package main\n\nfunc main() {}\n"))
	require.NoError(t, err)
	assert.NotEqual(t, first[0].ID, changed[0].ID)

	// Same content at a different path gives different ids
	moved, err := defaultChunker().Chunk("other.go", content)
	require.NoError(t, err)
	assert.NotEqual(t, first[0].ID, moved[0].ID)
}

// TS07: oversized file is rejected with FileTooLarge
func TestChunker_FileTooLarge(t *testing.T) {
	chunker := NewChunker(Config{TargetLines: 40, MaxLines: 200, MaxFileBytes: 64})

	_, err := chunker.Chunk("huge.bin", bytes.Repeat([]byte("a"), 65))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeFileTooLarge, errors.GetCode(err))
}

// TS08: binary content is rejected with BinaryInput
func TestChunker_BinaryInput(t *testing.T) {
	_, err := defaultChunker().Chunk("blob.bin", []byte{0x7f, 'E', 'L', 'F', 0x00, 0x01})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeBinaryInput, errors.GetCode(err))
}

// TS09: language detection by extension
func TestChunker_LanguageDetection(t *testing.T) {
	chunks, err := defaultChunker().Chunk("pkg/util.go", []byte("package util"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "go", chunks[0].Language)

	chunks, err = defaultChunker().Chunk("README", []byte("no extension"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Empty(t, chunks[0].Language)
}

// TS10: CRLF input is normalized without breaking coverage
func TestChunker_CRLF(t *testing.T) {
	chunks, err := defaultChunker().Chunk("dos.txt", []byte("first\r\nsecond\r\nthird\r\n"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "first\nsecond\nthird", chunks[0].Content)
	assert.Equal(t, 3, chunks[0].EndLine)
}
