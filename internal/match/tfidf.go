package match

import (
	"math"
	"strings"

	"attacklens/internal/mitre"
)

const (
	tfidfWindowSize = 500
	tfidfStride     = 250
	tfidfThreshold  = 0.2
)

type tfidfDoc struct {
	id         string
	name       string
	tactics    []string
	vec        map[string]float64
	norm       float64
	nameTokens map[string]bool
}

// TFIDFMatcher treats each technique's name+description+keywords as one
// document of a corpus and slides a window across the input, emitting a match
// wherever the window's tf-idf vector is cosine-similar to a technique's.
type TFIDFMatcher struct {
	docs []tfidfDoc
	idf  map[string]float64
	n    int
}

func NewTFIDFMatcher(index *mitre.TechniqueIndex) *TFIDFMatcher {
	techniques := index.Techniques()
	n := len(techniques)

	counts := make([]map[string]int, n)
	df := make(map[string]int)
	for i, tech := range techniques {
		text := tech.Name + " " + tech.Description + " " + strings.Join(tech.Keywords, " ")
		counts[i] = termCounts(text)
		for term := range counts[i] {
			df[term]++
		}
	}

	idf := make(map[string]float64, len(df))
	for term, freq := range df {
		idf[term] = math.Log(float64(n+1)/float64(freq+1)) + 1
	}

	m := &TFIDFMatcher{idf: idf, n: n, docs: make([]tfidfDoc, 0, n)}
	for i, tech := range techniques {
		vec := make(map[string]float64, len(counts[i]))
		var norm float64
		for term, tf := range counts[i] {
			w := float64(tf) * idf[term]
			vec[term] = w
			norm += w * w
		}
		nameTokens := make(map[string]bool)
		for _, tok := range tokenize(tech.Name) {
			nameTokens[tok.text] = true
		}
		m.docs = append(m.docs, tfidfDoc{
			id:         tech.ID,
			name:       tech.Name,
			tactics:    tech.Tactics,
			vec:        vec,
			norm:       math.Sqrt(norm),
			nameTokens: nameTokens,
		})
	}
	return m
}

// termIDF returns the corpus idf, treating unseen terms as df=0.
func (m *TFIDFMatcher) termIDF(term string) float64 {
	if v, ok := m.idf[term]; ok {
		return v
	}
	return math.Log(float64(m.n+1)) + 1
}

func (m *TFIDFMatcher) FindMatches(text string) []RawMatch {
	var out []RawMatch
	for start := 0; ; start += tfidfStride {
		end := start + tfidfWindowSize
		if end > len(text) {
			end = len(text)
		}
		window := text[start:end]

		qvec := make(map[string]float64)
		var qnorm float64
		for term, tf := range termCounts(window) {
			w := float64(tf) * m.termIDF(term)
			qvec[term] = w
			qnorm += w * w
		}
		qnorm = math.Sqrt(qnorm)

		if qnorm > 0 {
			for i := range m.docs {
				doc := &m.docs[i]
				if doc.norm == 0 {
					continue
				}
				var dot float64
				for term, qw := range qvec {
					if dw, ok := doc.vec[term]; ok {
						dot += qw * dw
					}
				}
				sim := dot / (qnorm * doc.norm)
				if sim <= tfidfThreshold {
					continue
				}
				sentStart, sentEnd := bestSentence(window, doc.nameTokens)
				out = append(out, RawMatch{
					TechniqueID:   doc.id,
					TechniqueName: doc.name,
					Tactics:       doc.tactics,
					Matched:       window[sentStart:sentEnd],
					Pos:           Position{StartChar: start + sentStart, EndChar: start + sentEnd},
					Scores:        map[Source]float64{SourceTFIDF: sim},
					Source:        SourceTFIDF,
				})
			}
		}

		if end == len(text) {
			return out
		}
	}
}

// bestSentence picks the sentence within the window sharing the most tokens
// with the technique name, defaulting to the first sentence.
func bestSentence(window string, nameTokens map[string]bool) (int, int) {
	bestStart, bestEnd, bestShared := 0, len(window), -1
	start := 0
	for start < len(window) {
		end := sentenceEnd(window, start)
		shared := 0
		for _, tok := range tokenize(window[start:end]) {
			if nameTokens[tok.text] {
				shared++
			}
		}
		if shared > bestShared {
			bestStart, bestEnd, bestShared = start, end, shared
		}
		start = end
		for start < len(window) && (window[start] == ' ' || window[start] == '\n') {
			start++
		}
	}
	return bestStart, bestEnd
}

// sentenceEnd returns the index one past the sentence beginning at start,
// splitting on terminal punctuation followed by whitespace, or on a newline.
func sentenceEnd(window string, start int) int {
	for i := start; i < len(window); i++ {
		switch window[i] {
		case '.', '!', '?':
			if i+1 >= len(window) || window[i+1] == ' ' || window[i+1] == '\n' {
				return i + 1
			}
		case '\n':
			return i
		}
	}
	return len(window)
}
