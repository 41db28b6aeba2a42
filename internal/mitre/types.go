// Package mitre models the MITRE ATT&CK catalog: the technique/tactic domain
// types, the STIX bundle parser, and a cached fetcher that keeps a parsed,
// immutable TechniqueIndex available to concurrent workflows.
package mitre

import "sort"

// Mitigation is one course-of-action attached to a technique.
type Mitigation struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Technique is one ATT&CK technique or sub-technique. The external id has the
// form T#### or T####.### (sub-technique); a sub-technique's id prefix before
// the dot equals its parent's id.
type Technique struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description"`
	Tactics       []string     `json:"tactics"`
	Platforms     []string     `json:"platforms,omitempty"`
	DataSources   []string     `json:"dataSources,omitempty"`
	Detection     string       `json:"detection,omitempty"`
	Mitigations   []Mitigation `json:"mitigations,omitempty"`
	URL           string       `json:"url,omitempty"`
	Keywords      []string     `json:"keywords"`
	ParentID      string       `json:"parentId,omitempty"`
	SubTechniques []*Technique `json:"subTechniques,omitempty"`
}

// IsSubTechnique reports whether the technique is a sub-technique.
func (t *Technique) IsSubTechnique() bool { return t.ParentID != "" }

// TechniqueIndex is the parsed, immutable view of one catalog version: id to
// technique plus tactic short-name to member technique ids. Built once per
// catalog version; safe for concurrent readers.
type TechniqueIndex struct {
	version  string
	byID     map[string]*Technique
	byTactic map[string][]string
}

// NewIndex builds an index from already-constructed techniques, used when
// rehydrating a catalog persisted to the database rather than parsed from a
// bundle.
func NewIndex(version string, techniques []*Technique) *TechniqueIndex {
	byID := make(map[string]*Technique, len(techniques))
	byTactic := make(map[string][]string)
	for _, t := range techniques {
		byID[t.ID] = t
		for _, tactic := range t.Tactics {
			byTactic[tactic] = append(byTactic[tactic], t.ID)
		}
	}
	for tactic := range byTactic {
		sort.Strings(byTactic[tactic])
	}
	return &TechniqueIndex{version: version, byID: byID, byTactic: byTactic}
}

// Version returns the catalog version string ("unknown" when undiscoverable).
func (ix *TechniqueIndex) Version() string { return ix.version }

// Len returns the number of indexed techniques (sub-techniques included).
func (ix *TechniqueIndex) Len() int { return len(ix.byID) }

// Technique looks up a technique by external id.
func (ix *TechniqueIndex) Technique(id string) (*Technique, bool) {
	t, ok := ix.byID[id]
	return t, ok
}

// Techniques returns all techniques sorted by external id.
func (ix *TechniqueIndex) Techniques() []*Technique {
	out := make([]*Technique, 0, len(ix.byID))
	for _, t := range ix.byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tactics returns all tactic short-names sorted lexicographically.
func (ix *TechniqueIndex) Tactics() []string {
	out := make([]string, 0, len(ix.byTactic))
	for t := range ix.byTactic {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// TacticTechniques returns the ids of techniques belonging to a tactic.
func (ix *TechniqueIndex) TacticTechniques(tactic string) []string {
	return ix.byTactic[tactic]
}
