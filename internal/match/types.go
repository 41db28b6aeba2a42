// Package match implements the matching engine: keyword, TF-IDF and fuzzy
// matchers producing raw candidate matches, and the fuser that deduplicates
// across signals and assigns the final 0-100 confidence score.
package match

// Source tags which matcher produced a signal.
type Source string

const (
	SourceKeyword Source = "keyword"
	SourceTFIDF   Source = "tfidf"
	SourceFuzzy   Source = "fuzzy"
)

// Position is a half-open character range in the document text.
type Position struct {
	StartChar int `json:"startChar"`
	EndChar   int `json:"endChar"`
}

// RawMatch is one candidate produced by a single matcher. Scores holds the
// per-signal score in [0,1] for the producing source.
type RawMatch struct {
	TechniqueID   string
	TechniqueName string
	Tactics       []string
	Matched       string
	Pos           Position
	Scores        map[Source]float64
	Source        Source
}

// Shift returns a copy with the position offset by delta, used to map
// chunk-relative matches to absolute document positions.
func (m RawMatch) Shift(delta int) RawMatch {
	m.Pos.StartChar += delta
	m.Pos.EndChar += delta
	return m
}

// EvalMatch is the fused, scored result for one technique occurrence.
type EvalMatch struct {
	TechniqueID    string   `json:"techniqueId"`
	TechniqueName  string   `json:"techniqueName"`
	Tactics        []string `json:"tactics,omitempty"`
	Confidence     int      `json:"confidence"`
	Matched        string   `json:"matchedText"`
	Context        string   `json:"context"`
	Pos            Position `json:"position"`
	MultiSource    bool     `json:"matchedByMultipleMethods"`
	DominantSource Source   `json:"dominantSource"`
}

// Matcher is the shared contract for all signal producers. Implementations
// are initialized once with the full technique index and must be safe for
// concurrent FindMatches calls.
type Matcher interface {
	FindMatches(text string) []RawMatch
}
