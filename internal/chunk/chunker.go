// Package chunk splits files into line-bounded chunks with language-aware
// breakpoints. Chunks never split a line and together cover the whole file.
package chunk

import (
	"bytes"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/seekr-dev/seekr/internal/errors"
)

// binaryScanWindow is how many leading bytes are scanned for null bytes when
// classifying a file as binary.
const binaryScanWindow = 8192

// declPattern matches top-level declaration openers across the languages we
// care about. Shallow by design: the goal is a plausible breakpoint, not a
// parse.
var declPattern = regexp.MustCompile(`^(func|fn|def|class|type|struct|interface|impl|trait|enum|module|package|public|private|protected|static|export|const|var|let)\b`)

// langByExt maps file extensions to language names.
var langByExt = map[string]string{
	".go":    "go",
	".py":    "python",
	".rs":    "rust",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".c":     "c",
	".h":     "c",
	".cc":    "cpp",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".rb":    "ruby",
	".php":   "php",
	".cs":    "csharp",
	".kt":    "kotlin",
	".swift": "swift",
	".sh":    "shell",
	".md":    "markdown",
}

// Config controls chunk sizing.
type Config struct {
	// TargetLines is the soft target chunk size S. Chunks prefer sizes in
	// [S/2, S].
	TargetLines int

	// MaxLines is the hard cap Smax.
	MaxLines int

	// MaxFileBytes rejects files larger than this with FileTooLarge.
	MaxFileBytes int64
}

// DefaultConfig returns the default chunking configuration.
func DefaultConfig() Config {
	return Config{
		TargetLines:  DefaultTargetLines,
		MaxLines:     DefaultMaxLines,
		MaxFileBytes: DefaultMaxFileBytes,
	}
}

// Chunker splits file content into line-bounded chunks.
type Chunker struct {
	config Config
}

// NewChunker creates a chunker, applying defaults for zero config fields.
func NewChunker(cfg Config) *Chunker {
	if cfg.TargetLines <= 0 {
		cfg.TargetLines = DefaultTargetLines
	}
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = DefaultMaxLines
	}
	if cfg.MaxLines < cfg.TargetLines {
		cfg.MaxLines = cfg.TargetLines
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}
	return &Chunker{config: cfg}
}

// Chunk splits a file into line-bounded chunks.
//
// Returns ErrCodeFileTooLarge when the content exceeds the configured
// ceiling and ErrCodeBinaryInput when a null-byte scan classifies the file
// as binary. An empty file yields zero chunks and no error.
func (c *Chunker) Chunk(path string, data []byte) ([]*Chunk, error) {
	if int64(len(data)) > c.config.MaxFileBytes {
		return nil, errors.Newf(errors.ErrCodeFileTooLarge,
			"%s: %d bytes exceeds limit of %d", path, len(data), c.config.MaxFileBytes)
	}
	if isBinaryContent(data) {
		return nil, errors.Newf(errors.ErrCodeBinaryInput, "%s: binary content", path)
	}
	if len(data) == 0 {
		return []*Chunk{}, nil
	}

	lines := splitLines(data)
	lang := langByExt[strings.ToLower(filepath.Ext(path))]

	chunks := make([]*Chunk, 0, len(lines)/c.config.TargetLines+1)
	ord := 0
	for pos := 0; pos < len(lines); {
		end := c.chooseEnd(lines, pos)
		content := strings.Join(lines[pos:end], "\n")
		hash := ContentHash(content)

		chunks = append(chunks, &Chunk{
			ID:        MakeID(path, ord, hash),
			FilePath:  path,
			Ord:       ord,
			StartLine: pos + 1,
			EndLine:   end,
			Content:   content,
			Language:  lang,
		})
		ord++
		pos = end
	}

	return chunks, nil
}

// chooseEnd picks the exclusive end line index for a chunk starting at pos.
//
// Preference order: a breakpoint in [pos+S/2, pos+S] scanning backwards from
// the target, then a breakpoint in (pos+S, pos+Smax], then a hard cut at the
// target size. The result never exceeds pos+Smax and never splits a line.
func (c *Chunker) chooseEnd(lines []string, pos int) int {
	n := len(lines)
	s := c.config.TargetLines

	if n-pos <= s {
		return n
	}

	target := pos + s
	low := pos + s/2
	if low <= pos {
		low = pos + 1
	}

	for i := target; i >= low; i-- {
		if isBreakpoint(lines, i) {
			return i
		}
	}

	hard := pos + c.config.MaxLines
	if hard > n {
		hard = n
	}
	for i := target + 1; i <= hard; i++ {
		if i == n || isBreakpoint(lines, i) {
			return i
		}
	}

	return target
}

// isBreakpoint reports whether index i (the start of the next chunk) is an
// acceptable split position: the previous line is blank or line i opens a
// top-level declaration.
func isBreakpoint(lines []string, i int) bool {
	if i <= 0 || i >= len(lines) {
		return false
	}
	if strings.TrimSpace(lines[i-1]) == "" {
		return true
	}
	return declPattern.MatchString(lines[i])
}

// splitLines splits file bytes into lines without the terminators. A single
// trailing newline is normalized away so coverage holds for files with and
// without one.
func splitLines(data []byte) []string {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n")
}

// isBinaryContent uses a null-byte heuristic to detect binary files.
func isBinaryContent(content []byte) bool {
	window := content
	if len(window) > binaryScanWindow {
		window = window[:binaryScanWindow]
	}
	return bytes.IndexByte(window, 0) != -1
}
