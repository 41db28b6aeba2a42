package match

import (
	"sort"
	"strings"
)

// indicativeTerms raise confidence when they appear near a match; their
// presence signals the surrounding prose is actually about an intrusion.
var indicativeTerms = []string{
	"attack", "exploit", "vulnerability", "malware", "threat", "compromise",
	"access", "adversary", "hacker", "breach", "security", "infection",
	"backdoor", "credential", "command", "script", "payload", "execution",
	"privilege", "persistence",
}

// commonTermBases penalize matches on vocabulary too generic to carry signal
// on its own. Checked after stripping trivial inflections.
var commonTermBases = map[string]bool{
	"use": true, "user": true, "system": true, "file": true, "process": true,
	"data": true, "information": true, "access": true, "network": true,
	"tool": true, "control": true, "server": true, "service": true,
	"application": true,
}

func isCommonTerm(matched string) bool {
	w := strings.ToLower(matched)
	if commonTermBases[w] {
		return true
	}
	for _, suffix := range []string{"es", "s", "ing", "ed", "d"} {
		if trimmed, ok := strings.CutSuffix(w, suffix); ok && commonTermBases[trimmed] {
			return true
		}
	}
	return false
}

// Fuser deduplicates raw matches across signals and assigns the final
// confidence score.
type Fuser struct {
	contextWindow int
}

func NewFuser(contextWindow int) *Fuser {
	if contextWindow <= 0 {
		contextWindow = 200
	}
	return &Fuser{contextWindow: contextWindow}
}

// merged is one fused occurrence of a technique: overlapping raw matches
// collapsed to a union range with the best score seen per signal.
type merged struct {
	name         string
	tactics      []string
	pos          Position
	scores       map[Source]float64
	matched      string
	matchedScore float64
}

// Fuse groups raw matches by technique, merges overlapping ranges, scores
// each occurrence and keeps the single best occurrence per technique.
// Positions in raws must be absolute within text. The result is sorted by
// confidence descending, ties broken by technique id.
func (f *Fuser) Fuse(text string, raws []RawMatch) []EvalMatch {
	byTechnique := make(map[string][]RawMatch)
	for _, r := range raws {
		byTechnique[r.TechniqueID] = append(byTechnique[r.TechniqueID], r)
	}

	var out []EvalMatch
	for id, group := range byTechnique {
		best := EvalMatch{Confidence: -1}
		for _, occ := range mergeOverlapping(group) {
			em := f.score(text, id, occ)
			if em.Confidence > best.Confidence {
				best = em
			}
		}
		if best.Confidence >= 0 {
			out = append(out, best)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].TechniqueID < out[j].TechniqueID
	})
	return out
}

// mergeOverlapping collapses character-range-overlapping matches of one
// technique into merged occurrences.
func mergeOverlapping(group []RawMatch) []merged {
	sort.Slice(group, func(i, j int) bool {
		if group[i].Pos.StartChar != group[j].Pos.StartChar {
			return group[i].Pos.StartChar < group[j].Pos.StartChar
		}
		return group[i].Pos.EndChar < group[j].Pos.EndChar
	})

	var out []merged
	var cur *merged
	for _, r := range group {
		top := topScore(r.Scores)
		if cur != nil && r.Pos.StartChar < cur.pos.EndChar {
			if r.Pos.EndChar > cur.pos.EndChar {
				cur.pos.EndChar = r.Pos.EndChar
			}
			for src, s := range r.Scores {
				if s > cur.scores[src] {
					cur.scores[src] = s
				}
			}
			if top > cur.matchedScore {
				cur.matched = r.Matched
				cur.matchedScore = top
			}
			continue
		}
		out = append(out, merged{
			name:         r.TechniqueName,
			tactics:      r.Tactics,
			pos:          r.Pos,
			scores:       copyScores(r.Scores),
			matched:      r.Matched,
			matchedScore: top,
		})
		cur = &out[len(out)-1]
	}
	return out
}

func copyScores(scores map[Source]float64) map[Source]float64 {
	out := make(map[Source]float64, len(scores))
	for src, s := range scores {
		out[src] = s
	}
	return out
}

func topScore(scores map[Source]float64) float64 {
	var top float64
	for _, s := range scores {
		if s > top {
			top = s
		}
	}
	return top
}

// score applies the confidence formula to one merged occurrence.
func (f *Fuser) score(text, techniqueID string, occ merged) EvalMatch {
	dominant, dominantScore := dominantSource(occ.scores)

	base := 80.0
	if dominant == SourceFuzzy {
		base = 70.0
	}
	conf := dominantScore * base

	multi := len(occ.scores) >= 2
	if multi {
		conf += 10
	}

	context := ExtractContext(text, occ.pos, f.contextWindow)
	if contextIsIndicative(context, occ.tactics) {
		conf += 10
	}
	if isCommonTerm(occ.matched) {
		conf -= 15
	}
	if len(occ.matched) < 4 {
		conf -= 20
	}
	if strings.ToUpper(occ.matched) == techniqueID {
		conf += 20
	}
	if conf < 0 {
		conf = 0
	}
	if conf > 100 {
		conf = 100
	}

	return EvalMatch{
		TechniqueID:    techniqueID,
		TechniqueName:  occ.name,
		Tactics:        occ.tactics,
		Confidence:     int(conf),
		Matched:        occ.matched,
		Context:        context,
		Pos:            occ.pos,
		MultiSource:    multi,
		DominantSource: dominant,
	}
}

// dominantSource picks the signal with the highest score; on exact ties the
// exact matchers win over fuzzy.
func dominantSource(scores map[Source]float64) (Source, float64) {
	order := []Source{SourceKeyword, SourceTFIDF, SourceFuzzy}
	best := Source("")
	var bestScore float64
	for _, src := range order {
		if s, ok := scores[src]; ok && (best == "" || s > bestScore) {
			best, bestScore = src, s
		}
	}
	return best, bestScore
}

func contextIsIndicative(context string, tactics []string) bool {
	lower := strings.ToLower(context)
	for _, term := range indicativeTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	for _, tactic := range tactics {
		if strings.Contains(lower, tactic) {
			return true
		}
	}
	return false
}
