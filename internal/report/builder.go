// Package report assembles the durable, user-visible output of one analysis
// run: the summary, the ranked match list, and the key findings.
package report

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"attacklens/internal/match"
)

// HighConfidenceThreshold is the score at or above which a match counts as
// high-confidence.
const HighConfidenceThreshold = 85

const maxKeyFindings = 6

// Source describes where the analyzed document came from. At most one of URL
// and Filename is usually set; both may be present for an uploaded copy of a
// fetched page.
type Source struct {
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Summary is the aggregate view persisted with a report.
type Summary struct {
	MatchCount          int                  `json:"matchCount"`
	HighConfidenceCount int                  `json:"highConfidenceCount"`
	TacticsBreakdown    map[string]int       `json:"tacticsBreakdown"`
	TopTechniques       []match.TopTechnique `json:"topTechniques"`
	KeyFindings         []string             `json:"keyFindings"`
	ProcessingMs        int64                `json:"processingTimeMs"`
}

// Report is one persisted analysis result.
type Report struct {
	ID           string            `json:"id"`
	WorkflowID   string            `json:"workflowId"`
	Source       Source            `json:"source"`
	CreatedAt    time.Time         `json:"createdAt"`
	MitreVersion string            `json:"mitreVersion"`
	Summary      Summary           `json:"summary"`
	Matches      []match.EvalMatch `json:"matches"`
}

// Build assembles a report from an evaluation result. The report gets a fresh
// UUID; matches are ordered by confidence descending with ties broken by
// technique id.
func Build(workflowID string, result match.EvalResult, src Source, mitreVersion string) *Report {
	matches := make([]match.EvalMatch, len(result.Matches))
	copy(matches, result.Matches)
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		return matches[i].TechniqueID < matches[j].TechniqueID
	})

	summary := Summary{
		MatchCount:       len(matches),
		TacticsBreakdown: make(map[string]int),
		ProcessingMs:     result.Summary.ProcessingMs,
	}
	for _, m := range matches {
		if m.Confidence >= HighConfidenceThreshold {
			summary.HighConfidenceCount++
		}
		for _, tactic := range m.Tactics {
			summary.TacticsBreakdown[tactic]++
		}
	}
	for i, m := range matches {
		if i == 5 {
			break
		}
		summary.TopTechniques = append(summary.TopTechniques, match.TopTechnique{
			ID:    m.TechniqueID,
			Name:  m.TechniqueName,
			Score: m.Confidence,
		})
	}
	summary.KeyFindings = keyFindings(matches, summary)

	return &Report{
		ID:           uuid.NewString(),
		WorkflowID:   workflowID,
		Source:       src,
		CreatedAt:    time.Now().UTC(),
		MitreVersion: mitreVersion,
		Summary:      summary,
		Matches:      matches,
	}
}

// keyFindings renders up to six short sentences. Three facts are always
// covered when matches exist: the most prevalent tactic, the top technique,
// and the high-confidence count. Remaining slots go to the next most
// prevalent tactics.
func keyFindings(matches []match.EvalMatch, summary Summary) []string {
	if len(matches) == 0 {
		return []string{"No ATT&CK techniques were identified in the document."}
	}

	tactics := rankTactics(summary.TacticsBreakdown)
	var findings []string

	if len(tactics) > 0 {
		findings = append(findings, fmt.Sprintf(
			"The most prevalent tactic is %s, covered by %d technique(s).",
			tactics[0].name, tactics[0].count))
	}

	top := matches[0]
	findings = append(findings, fmt.Sprintf(
		"The strongest signal is %s (%s) at %d%% confidence.",
		top.TechniqueName, top.TechniqueID, top.Confidence))

	findings = append(findings, fmt.Sprintf(
		"%d of %d matched technique(s) meet the %d%% high-confidence threshold.",
		summary.HighConfidenceCount, summary.MatchCount, HighConfidenceThreshold))

	for _, t := range tactics[1:] {
		if len(findings) == maxKeyFindings {
			break
		}
		findings = append(findings, fmt.Sprintf(
			"Activity mapped to %s spans %d technique(s).", t.name, t.count))
	}
	return findings
}

type tacticCount struct {
	name  string
	count int
}

// rankTactics orders tactics by descending technique count, ties broken by
// name for stable findings.
func rankTactics(breakdown map[string]int) []tacticCount {
	out := make([]tacticCount, 0, len(breakdown))
	for name, count := range breakdown {
		out = append(out, tacticCount{name: name, count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].name < out[j].name
	})
	return out
}
