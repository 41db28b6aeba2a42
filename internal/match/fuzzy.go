package match

import (
	"github.com/agnivade/levenshtein"

	"attacklens/internal/mitre"
)

const (
	// fuzzyMinSim is the edit-distance-normalized similarity floor.
	fuzzyMinSim = 0.8
	// fuzzyPhraseTokenSim is the per-token floor inside multi-word names.
	fuzzyPhraseTokenSim = 0.75
	// fuzzyMinTokenLen skips document tokens too short to fuzz reliably.
	fuzzyMinTokenLen = 4
	// fuzzyMinCandidateLen skips catalog terms too short to fuzz reliably.
	fuzzyMinCandidateLen = 5
)

type fuzzyRef struct {
	id      string
	name    string
	tactics []string
}

type fuzzyCandidate struct {
	term string
	refs []fuzzyRef
}

type fuzzyPhrase struct {
	tokens []string
	ref    fuzzyRef
}

// FuzzyMatcher scans for approximate occurrences of technique names and
// keywords, tolerating typos and inflections the exact matchers miss
// ("mimikats", "kerberoast"). Single terms are compared per document token;
// multi-word names are compared against sliding token windows.
type FuzzyMatcher struct {
	// byFirst buckets single-term candidates by first byte to bound the
	// number of edit-distance computations per document token.
	byFirst map[byte][]fuzzyCandidate
	phrases []fuzzyPhrase
}

func NewFuzzyMatcher(index *mitre.TechniqueIndex) *FuzzyMatcher {
	terms := make(map[string][]fuzzyRef)
	var phrases []fuzzyPhrase

	for _, tech := range index.Techniques() {
		ref := fuzzyRef{id: tech.ID, name: tech.Name, tactics: tech.Tactics}

		nameTokens := tokenize(tech.Name)
		switch len(nameTokens) {
		case 0:
		case 1:
			if len(nameTokens[0].text) >= fuzzyMinCandidateLen {
				terms[nameTokens[0].text] = append(terms[nameTokens[0].text], ref)
			}
		default:
			phrase := make([]string, len(nameTokens))
			for i, tok := range nameTokens {
				phrase[i] = tok.text
			}
			phrases = append(phrases, fuzzyPhrase{tokens: phrase, ref: ref})
		}

		for _, kw := range tech.Keywords {
			if len(kw) >= fuzzyMinCandidateLen {
				terms[kw] = append(terms[kw], ref)
			}
		}
	}

	byFirst := make(map[byte][]fuzzyCandidate)
	for term, refs := range terms {
		b := term[0]
		byFirst[b] = append(byFirst[b], fuzzyCandidate{term: term, refs: refs})
	}
	return &FuzzyMatcher{byFirst: byFirst, phrases: phrases}
}

func (m *FuzzyMatcher) FindMatches(text string) []RawMatch {
	toks := tokenize(text)
	var out []RawMatch

	for _, tok := range toks {
		if len(tok.text) < fuzzyMinTokenLen {
			continue
		}
		// Duplicate refs arise when a token is similar to both a
		// technique's name and one of its keywords.
		seen := make(map[string]bool)
		for _, cand := range m.byFirst[tok.text[0]] {
			if diff := len(cand.term) - len(tok.text); diff > 2 || diff < -2 {
				continue
			}
			sim := similarity(tok.text, cand.term)
			if sim < fuzzyMinSim {
				continue
			}
			for _, ref := range cand.refs {
				if seen[ref.id] {
					continue
				}
				seen[ref.id] = true
				out = append(out, rawFuzzy(text, ref, tok.start, tok.end, sim))
			}
		}
	}

	for _, phrase := range m.phrases {
		k := len(phrase.tokens)
		for i := 0; i+k <= len(toks); i++ {
			var total float64
			ok := true
			for j := 0; j < k; j++ {
				sim := similarity(toks[i+j].text, phrase.tokens[j])
				if sim < fuzzyPhraseTokenSim {
					ok = false
					break
				}
				total += sim
			}
			if !ok {
				continue
			}
			avg := total / float64(k)
			if avg < fuzzyMinSim {
				continue
			}
			out = append(out, rawFuzzy(text, phrase.ref, toks[i].start, toks[i+k-1].end, avg))
		}
	}
	return out
}

func rawFuzzy(text string, ref fuzzyRef, start, end int, sim float64) RawMatch {
	return RawMatch{
		TechniqueID:   ref.id,
		TechniqueName: ref.name,
		Tactics:       ref.tactics,
		Matched:       text[start:end],
		Pos:           Position{StartChar: start, EndChar: end},
		Scores:        map[Source]float64{SourceFuzzy: sim},
		Source:        SourceFuzzy,
	}
}

// similarity is 1 − editDistance/maxLen, with exact matches short-circuited.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}
