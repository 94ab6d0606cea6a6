package cluster

import "strings"

// stopWords is the filter applied before n-gram generation.
var stopWords = map[string]bool{}

func init() {
	for _, w := range []string{
		"a", "about", "after", "all", "also", "an", "and", "any", "are", "as",
		"at", "be", "been", "but", "by", "can", "could", "did", "do", "does",
		"for", "from", "had", "has", "have", "he", "her", "his", "how", "if",
		"in", "into", "is", "it", "its", "just", "more", "most", "new", "no",
		"not", "of", "on", "one", "or", "other", "our", "out", "over", "said",
		"she", "so", "some", "than", "that", "the", "their", "then", "there",
		"they", "this", "to", "up", "was", "we", "were", "what", "when",
		"which", "who", "will", "with", "would", "you",
	} {
		stopWords[w] = true
	}
}

// ExtractKeywords tokenises title + summary into a set of unigrams and
// adjacent bigrams. The title is repeated once in the stream so its terms
// weigh into the bigram neighbourhood twice.
func ExtractKeywords(title, summary string) map[string]bool {
	text := title + " " + title + " " + summary
	tokens := tokenize(text)

	keywords := make(map[string]bool)
	for i, tok := range tokens {
		keywords[tok] = true
		if i+1 < len(tokens) {
			keywords[tok+" "+tokens[i+1]] = true
		}
	}
	return keywords
}

// tokenize lowercases, strips punctuation, and drops stop words and single
// characters.
func tokenize(text string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() == 0 {
			return
		}
		tok := current.String()
		current.Reset()
		if len(tok) < 2 || stopWords[tok] {
			return
		}
		tokens = append(tokens, tok)
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			current.WriteRune(r)
		case r == '-' && current.Len() > 0:
			current.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// Jaccard is |A intersect B| / |A union B| over keyword sets.
func Jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
