package textproc

// DefaultStopWords is the fixed English stop-word list applied by the
// processor. Kept deliberately small because code identifiers often collide
// with natural-language words. A listed word is dropped everywhere, including
// as a sub-token ("for" in "forEach"); the whole identifier token is kept.
var DefaultStopWords = []string{
	"a", "an", "and", "are", "as", "at", "be", "but", "by",
	"for", "if", "in", "into", "is", "it", "no", "not", "of",
	"on", "or", "such", "that", "the", "their", "then", "there",
	"these", "they", "this", "to", "was", "will", "with",
}

// codeSymbols are single-character tokens that survive the short-token
// filter because they carry meaning in code search queries.
var codeSymbols = map[string]struct{}{
	"+": {}, "=": {}, "-": {}, "*": {}, "/": {},
	"<": {}, ">": {}, "!": {}, "&": {}, "|": {},
}

// BuildStopWordMap converts a slice of stop words to a map for efficient lookup.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[word] = struct{}{}
	}
	return m
}
