package match

import "time"

// TopTechnique is one entry of the top-N ranking.
type TopTechnique struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// EvalSummary aggregates one document's evaluation.
type EvalSummary struct {
	DocumentID      string         `json:"documentId"`
	MatchCount      int            `json:"matchCount"`
	TopTechniques   []TopTechnique `json:"topTechniques"`
	TacticsCoverage map[string]int `json:"tacticsCoverage"`
	ProcessingMs    int64          `json:"processingTimeMs"`
}

// EvalResult is the output of the evaluation stage.
type EvalResult struct {
	Matches []EvalMatch `json:"matches"`
	Summary EvalSummary `json:"summary"`
}

const topTechniqueCount = 5

// Summarize builds the summary for an already sorted, deduplicated match
// list. TacticsCoverage counts distinct matched techniques per tactic; since
// fusion leaves at most one match per technique, each match contributes one
// to each of its tactics.
func Summarize(documentID string, matches []EvalMatch, elapsed time.Duration) EvalSummary {
	summary := EvalSummary{
		DocumentID:      documentID,
		MatchCount:      len(matches),
		TacticsCoverage: make(map[string]int),
		ProcessingMs:    elapsed.Milliseconds(),
	}
	for _, m := range matches {
		for _, tactic := range m.Tactics {
			summary.TacticsCoverage[tactic]++
		}
	}
	for i, m := range matches {
		if i == topTechniqueCount {
			break
		}
		summary.TopTechniques = append(summary.TopTechniques, TopTechnique{
			ID:    m.TechniqueID,
			Name:  m.TechniqueName,
			Score: m.Confidence,
		})
	}
	return summary
}

// Filter drops matches below minConfidence and caps the list at max entries.
// The input must already be sorted by confidence descending.
func Filter(matches []EvalMatch, minConfidence, max int) []EvalMatch {
	out := matches[:0:len(matches)]
	for _, m := range matches {
		if m.Confidence < minConfidence {
			continue
		}
		out = append(out, m)
	}
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}
