package match

import (
	"strings"

	"attacklens/internal/mitre"
)

type keywordEntry struct {
	id      string
	idLower string
	name    string
	tactics []string
	terms   []string
}

// KeywordMatcher scans the lowercased document for every occurrence of every
// derived technique keyword. Literal technique ids (T1566, T1059.001) are
// scanned as well and score 1.0; an analyst citing an id by hand is the
// strongest signal this matcher can see.
type KeywordMatcher struct {
	entries []keywordEntry
}

func NewKeywordMatcher(index *mitre.TechniqueIndex) *KeywordMatcher {
	techniques := index.Techniques()
	entries := make([]keywordEntry, 0, len(techniques))
	for _, tech := range techniques {
		entries = append(entries, keywordEntry{
			id:      tech.ID,
			idLower: strings.ToLower(tech.ID),
			name:    tech.Name,
			tactics: tech.Tactics,
			terms:   tech.Keywords,
		})
	}
	return &KeywordMatcher{entries: entries}
}

func (m *KeywordMatcher) FindMatches(text string) []RawMatch {
	lower := strings.ToLower(text)
	var out []RawMatch
	for i := range m.entries {
		entry := &m.entries[i]
		for _, term := range entry.terms {
			score := keywordScore(term)
			for _, pos := range scanOccurrences(lower, term, false) {
				out = append(out, entry.raw(text, pos, len(term), score))
			}
		}
		for _, pos := range scanOccurrences(lower, entry.idLower, true) {
			out = append(out, entry.raw(text, pos, len(entry.idLower), 1.0))
		}
	}
	return out
}

func (e *keywordEntry) raw(text string, start, length int, score float64) RawMatch {
	return RawMatch{
		TechniqueID:   e.id,
		TechniqueName: e.name,
		Tactics:       e.tactics,
		Matched:       text[start : start+length],
		Pos:           Position{StartChar: start, EndChar: start + length},
		Scores:        map[Source]float64{SourceKeyword: score},
		Source:        SourceKeyword,
	}
}

func keywordScore(term string) float64 {
	s := float64(len(term)) / 20
	if s > 1 {
		s = 1
	}
	return s*0.8 + 0.2
}

// scanOccurrences finds every occurrence of term in lower that begins at a
// word boundary. Trailing inflections are allowed ("attachment" hits inside
// "attachments") unless exact is set, which additionally requires a word
// boundary after the term so technique ids only match whole references.
func scanOccurrences(lower, term string, exact bool) []int {
	if term == "" {
		return nil
	}
	var out []int
	from := 0
	for {
		idx := strings.Index(lower[from:], term)
		if idx < 0 {
			return out
		}
		pos := from + idx
		from = pos + 1

		if pos > 0 && isWordByte(lower[pos-1]) {
			continue
		}
		if exact {
			if end := pos + len(term); end < len(lower) && isWordByte(lower[end]) {
				continue
			}
		}
		out = append(out, pos)
	}
}
