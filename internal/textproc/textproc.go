// Package textproc implements the deterministic tokenization pipeline shared
// by the BM25 index and query parsing. Indexed terms and query terms go
// through the same pipeline so they match without per-side heuristics.
package textproc

import (
	"strings"
	"unicode"
	"unicode/utf8"

	porterstemmer "github.com/blevesearch/go-porterstemmer"
	"golang.org/x/text/unicode/norm"

	"github.com/seekr-dev/seekr/internal/errors"
)

// minStemLength is the minimum token length for stemming. Shorter alphabetic
// tokens ("get", "id") are left untouched.
const minStemLength = 4

// Processor turns raw text into the token stream used for indexing and
// querying. It is stateless apart from its configuration and safe for
// concurrent use.
type Processor struct {
	stopWords map[string]struct{}
	stem      bool
}

// Option configures a Processor.
type Option func(*Processor)

// WithStopWords replaces the default stop-word list.
func WithStopWords(words []string) Option {
	return func(p *Processor) {
		p.stopWords = BuildStopWordMap(words)
	}
}

// WithoutStemming disables the Porter stemming pass.
func WithoutStemming() Option {
	return func(p *Processor) {
		p.stem = false
	}
}

// NewProcessor creates a processor with the default stop words and stemming
// enabled.
func NewProcessor(opts ...Option) *Processor {
	p := &Processor{
		stopWords: BuildStopWordMap(DefaultStopWords),
		stem:      true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Preprocess tokenizes text for indexing.
//
// Pipeline: NFKC normalize, lowercase, segment on word boundaries, emit the
// whole token plus camelCase/snake_case sub-tokens, drop stop words and
// single characters (except recognized code symbols), stem alphabetic tokens
// of at least four characters.
//
// Returns ErrCodeInvalidEncoding if the input is not valid UTF-8.
func (p *Processor) Preprocess(text string) ([]string, error) {
	if !utf8.ValidString(text) {
		return nil, errors.Newf(errors.ErrCodeInvalidEncoding, "input is not valid UTF-8")
	}

	normalized := norm.NFKC.String(text)

	var tokens []string
	emit := func(tok string) {
		tok = strings.ToLower(tok)
		if _, isStop := p.stopWords[tok]; isStop {
			return
		}
		if utf8.RuneCountInString(tok) < 2 {
			if _, ok := codeSymbols[tok]; !ok {
				return
			}
		}
		if p.stem {
			tok = stemToken(tok)
		}
		tokens = append(tokens, tok)
	}

	for _, word := range segment(normalized) {
		emit(word)

		// Sub-tokens only when the identifier has internal boundaries:
		// a plain lowercase word yields a single sub-token equal to the
		// whole token and would be a duplicate.
		subs := SplitCodeToken(word)
		if len(subs) > 1 {
			for _, sub := range subs {
				emit(sub)
			}
		}
	}

	if tokens == nil {
		tokens = []string{}
	}
	return tokens, nil
}

// PreprocessQuery tokenizes a query with the same pipeline as Preprocess.
func (p *Processor) PreprocessQuery(query string) ([]string, error) {
	return p.Preprocess(query)
}

// stemToken applies a light Porter stem to purely alphabetic tokens of at
// least minStemLength runes. Mixed tokens (digits, symbols) pass through.
func stemToken(tok string) string {
	if utf8.RuneCountInString(tok) < minStemLength {
		return tok
	}
	for _, r := range tok {
		if !unicode.IsLetter(r) {
			return tok
		}
	}
	return string(porterstemmer.StemWithoutLowerCasing([]rune(tok)))
}

// segment splits text on Unicode word boundaries. Runs of letters, digits,
// and underscores form words; recognized code symbols are emitted as
// standalone tokens; everything else is a separator.
func segment(text string) []string {
	var words []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}

	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			current.WriteRune(r)
		default:
			flush()
			if _, ok := codeSymbols[string(r)]; ok {
				words = append(words, string(r))
			}
		}
	}
	flush()

	return words
}

// SplitCodeToken splits camelCase and snake_case identifiers.
func SplitCodeToken(token string) []string {
	var result []string

	// Handle snake_case first
	if strings.Contains(token, "_") {
		parts := strings.Split(token, "_")
		for _, part := range parts {
			if part != "" {
				// Recursively handle camelCase in each part
				result = append(result, SplitCamelCase(part)...)
			}
		}
		return result
	}

	return SplitCamelCase(token)
}

// SplitCamelCase splits camelCase and PascalCase identifiers.
// Examples:
//   - "getUserById" -> ["get", "User", "By", "Id"]
//   - "HTTPHandler" -> ["HTTP", "Handler"]
//   - "parseHTTPRequest" -> ["parse", "HTTP", "Request"]
func SplitCamelCase(s string) []string {
	if s == "" {
		return []string{}
	}

	var result []string
	var current strings.Builder

	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevIsLower := unicode.IsLower(runes[i-1])
			nextIsLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])

			// Split if previous is lowercase OR next is lowercase (handles acronyms)
			if prevIsLower || nextIsLower {
				if current.Len() > 0 {
					result = append(result, current.String())
					current.Reset()
				}
			}
		}
		current.WriteRune(r)
	}

	if current.Len() > 0 {
		result = append(result, current.String())
	}

	return result
}
