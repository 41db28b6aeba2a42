package match

import "strings"

// token is a lowercased word with its byte range in the source text.
type token struct {
	text  string
	start int
	end   int
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

// tokenize splits text into lowercased tokens. Dots and hyphens are kept when
// interior (cmd.exe, pass-the-hash) and trimmed at the edges, mirroring how
// catalog keywords are derived so matcher terms and document tokens line up.
func tokenize(text string) []token {
	var out []token
	i := 0
	for i < len(text) {
		b := text[i]
		if !isWordByte(b) && b != '.' && b != '-' {
			i++
			continue
		}
		j := i
		for j < len(text) && (isWordByte(text[j]) || text[j] == '.' || text[j] == '-') {
			j++
		}
		start, end := i, j
		for start < end && !isWordByte(text[start]) {
			start++
		}
		for end > start && !isWordByte(text[end-1]) {
			end--
		}
		if end > start {
			out = append(out, token{text: strings.ToLower(text[start:end]), start: start, end: end})
		}
		i = j
	}
	return out
}

// termCounts tallies token frequencies for TF-IDF vectors.
func termCounts(text string) map[string]int {
	counts := make(map[string]int)
	for _, tok := range tokenize(text) {
		counts[tok.text]++
	}
	return counts
}
