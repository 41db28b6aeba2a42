package match

// maxBoundaryExtension caps how far the context window stretches to reach a
// sentence boundary.
const maxBoundaryExtension = 100

// ExtractContext returns the text surrounding a match: half the window on
// each side, then extended outward to the nearest sentence boundary or
// paragraph break so the caller gets whole sentences where possible.
func ExtractContext(text string, pos Position, window int) string {
	if window <= 0 {
		window = 200
	}
	s := pos.StartChar - window/2
	if s < 0 {
		s = 0
	}
	e := pos.EndChar + window/2
	if e > len(text) {
		e = len(text)
	}
	return text[extendLeft(text, s):extendRight(text, e)]
}

// extendLeft walks backward from s looking for the end of the previous
// sentence, returning the position just after it.
func extendLeft(text string, s int) int {
	limit := s - maxBoundaryExtension
	if limit < 0 {
		limit = 0
	}
	for i := s; i > limit; i-- {
		if b := boundaryAt(text, i-1); b > 0 {
			return i - 1 + b
		}
	}
	if limit == 0 {
		return 0
	}
	return s
}

// extendRight walks forward from e to the end of the current sentence,
// returning the position just past its terminal punctuation.
func extendRight(text string, e int) int {
	limit := e + maxBoundaryExtension
	if limit > len(text) {
		limit = len(text)
	}
	for i := e; i < limit; i++ {
		switch text[i] {
		case '.', '!', '?':
			if i+1 >= len(text) || text[i+1] == ' ' || text[i+1] == '\n' {
				return i + 1
			}
		case '\n':
			return i
		}
	}
	if limit == len(text) {
		return len(text)
	}
	return e
}

// boundaryAt reports a sentence boundary beginning at i: terminal punctuation
// followed by whitespace, or a paragraph break. Returns the number of bytes
// to skip past the boundary, or 0 when there is none.
func boundaryAt(text string, i int) int {
	switch text[i] {
	case '.', '!', '?':
		if i+1 < len(text) && (text[i+1] == ' ' || text[i+1] == '\n') {
			return 2
		}
	case '\n':
		if i+1 < len(text) && text[i+1] == '\n' {
			return 2
		}
		return 1
	}
	return 0
}
