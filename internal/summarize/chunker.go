package summarize

import "strings"

// charsPerToken is the length heuristic used for token estimation. Good
// enough for routing between the direct and map-reduce paths.
const charsPerToken = 4

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	return len(text) / charsPerToken
}

// SplitChunks splits text into chunks targeting chunkSize tokens and never
// exceeding maxChunkSize, with overlap tokens of context carried between
// consecutive chunks. Boundaries prefer, in order, paragraph breaks, sentence
// ends, then word boundaries; a chunk never ends mid-word.
func SplitChunks(text string, chunkSize, maxChunkSize, overlap int) []string {
	if chunkSize <= 0 {
		chunkSize = 1500
	}
	if maxChunkSize < chunkSize {
		maxChunkSize = chunkSize
	}
	if overlap < 0 {
		overlap = 0
	}

	targetChars := chunkSize * charsPerToken
	maxChars := maxChunkSize * charsPerToken
	overlapChars := overlap * charsPerToken

	var chunks []string
	pos := 0
	for pos < len(text) {
		remaining := text[pos:]
		if len(remaining) <= maxChars {
			chunks = append(chunks, strings.TrimSpace(remaining))
			break
		}

		cut := findBoundary(remaining, targetChars, maxChars)
		chunk := strings.TrimSpace(remaining[:cut])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		next := pos + cut - overlapChars
		if next <= pos {
			next = pos + cut
		}
		// Overlap starts on a word boundary.
		for next > pos && next < len(text) && !isBreak(text[next-1]) {
			next++
		}
		pos = next
	}

	// Drop empty tails.
	out := chunks[:0]
	for _, c := range chunks {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// findBoundary picks a cut point in s at or before maxChars, preferring a
// paragraph break near targetChars, then a sentence end, then a space.
func findBoundary(s string, targetChars, maxChars int) int {
	window := s[:maxChars]
	// A boundary too close to the start would make degenerate chunks.
	minCut := targetChars / 2

	if i := strings.LastIndex(window, "\n\n"); i >= minCut {
		return i + 2
	}
	for _, end := range []string{". ", "! ", "? ", ".\n", "!\n", "?\n"} {
		if i := strings.LastIndex(window, end); i >= minCut {
			return i + len(end)
		}
	}
	if i := strings.LastIndexByte(window, ' '); i >= minCut {
		return i + 1
	}
	return maxChars
}

func isBreak(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t'
}

// firstTwoSentences splits leading text into its first two sentences, used by
// the degraded and fallback summary paths.
func firstTwoSentences(text string) (string, string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ""
	}

	var sentences []string
	start := 0
	for i := 0; i < len(text) && len(sentences) < 2; i++ {
		switch text[i] {
		case '.', '!', '?':
			// Sentence ends at punctuation followed by space or end of text.
			if i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\n' {
				s := strings.TrimSpace(text[start : i+1])
				if s != "" {
					sentences = append(sentences, s)
				}
				start = i + 1
			}
		}
	}
	if len(sentences) == 0 {
		return text, ""
	}
	if len(sentences) == 1 {
		return sentences[0], ""
	}
	return sentences[0], sentences[1]
}
