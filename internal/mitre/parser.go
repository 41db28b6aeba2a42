package mitre

import (
	"encoding/json"
	"sort"
	"strings"

	"attacklens/internal/faults"
	"attacklens/internal/logging"
)

type externalRef struct {
	SourceName string `json:"source_name"`
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
}

type killChainPhase struct {
	KillChainName string `json:"kill_chain_name"`
	PhaseName     string `json:"phase_name"`
}

type stixObject struct {
	Type               string           `json:"type"`
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	Description        string           `json:"description"`
	ExternalReferences []externalRef    `json:"external_references"`
	KillChainPhases    []killChainPhase `json:"kill_chain_phases"`
	XMitreShortname    string           `json:"x_mitre_shortname"`
	XMitreVersion      string           `json:"x_mitre_version"`
	XMitrePlatforms    []string         `json:"x_mitre_platforms"`
	XMitreDataSources  []string         `json:"x_mitre_data_sources"`
	XMitreDetection    string           `json:"x_mitre_detection"`
	RelationshipType   string           `json:"relationship_type"`
	SourceRef          string           `json:"source_ref"`
	TargetRef          string           `json:"target_ref"`
}

type stixBundle struct {
	Type        string          `json:"type"`
	SpecVersion string          `json:"spec_version"`
	Objects     json.RawMessage `json:"objects"`
}

// ParseBundle parses a STIX bundle into a TechniqueIndex and the discovered
// catalog version string. Unknown STIX object types are ignored; a bundle
// without an objects array is a MalformedCatalog fault.
func ParseBundle(data []byte) (*TechniqueIndex, error) {
	var bundle stixBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, faults.Wrap(faults.KindMalformedCatalog, err, "bundle is not valid JSON")
	}
	if len(bundle.Objects) == 0 {
		return nil, faults.New(faults.KindMalformedCatalog, "bundle has no objects array")
	}

	var objects []stixObject
	if err := json.Unmarshal(bundle.Objects, &objects); err != nil {
		return nil, faults.Wrap(faults.KindMalformedCatalog, err, "objects array is malformed")
	}

	byType := make(map[string][]stixObject)
	for _, obj := range objects {
		byType[obj.Type] = append(byType[obj.Type], obj)
	}

	version := bundle.SpecVersion
	if version == "" {
		for _, obj := range objects {
			if obj.XMitreVersion != "" {
				version = obj.XMitreVersion
				break
			}
		}
	}
	if version == "" {
		version = "unknown"
	}

	// Mitigation lookup: course-of-action stix id -> Mitigation.
	mitigationsByRef := make(map[string]Mitigation)
	for _, obj := range byType["course-of-action"] {
		m := Mitigation{Name: obj.Name, Description: obj.Description}
		for _, ref := range obj.ExternalReferences {
			if ref.SourceName == "mitre-attack" {
				m.ID = ref.ExternalID
				break
			}
		}
		mitigationsByRef[obj.ID] = m
	}

	// mitigates edges: technique stix id -> mitigation stix ids.
	mitigatedBy := make(map[string][]string)
	for _, obj := range byType["relationship"] {
		if obj.RelationshipType == "mitigates" {
			mitigatedBy[obj.TargetRef] = append(mitigatedBy[obj.TargetRef], obj.SourceRef)
		}
	}

	byID := make(map[string]*Technique)
	for _, obj := range byType["attack-pattern"] {
		tech := buildTechnique(obj, mitigatedBy, mitigationsByRef)
		if tech == nil {
			continue
		}
		byID[tech.ID] = tech
	}

	dropCyclicSubTechniques(byID)
	groupSubTechniques(byID)

	byTactic := make(map[string][]string)
	for _, obj := range byType["x-mitre-tactic"] {
		short := obj.XMitreShortname
		if short == "" {
			short = TacticShortName(obj.Name)
		}
		if short != "" {
			byTactic[short] = nil
		}
	}
	for id, tech := range byID {
		for _, tactic := range tech.Tactics {
			byTactic[tactic] = append(byTactic[tactic], id)
		}
	}
	for tactic := range byTactic {
		sort.Strings(byTactic[tactic])
	}

	return &TechniqueIndex{version: version, byID: byID, byTactic: byTactic}, nil
}

func buildTechnique(obj stixObject, mitigatedBy map[string][]string, mitigations map[string]Mitigation) *Technique {
	var externalID, url string
	for _, ref := range obj.ExternalReferences {
		if ref.SourceName == "mitre-attack" {
			externalID = ref.ExternalID
			url = ref.URL
			break
		}
	}
	if externalID == "" {
		return nil
	}

	tech := &Technique{
		ID:          externalID,
		Name:        obj.Name,
		Description: obj.Description,
		Platforms:   obj.XMitrePlatforms,
		DataSources: obj.XMitreDataSources,
		Detection:   obj.XMitreDetection,
		URL:         url,
		Keywords:    DeriveKeywords(obj.Name, obj.Description),
	}

	for _, phase := range obj.KillChainPhases {
		if phase.KillChainName == "mitre-attack" {
			tech.Tactics = append(tech.Tactics, phase.PhaseName)
		}
	}

	for _, ref := range mitigatedBy[obj.ID] {
		if m, ok := mitigations[ref]; ok {
			tech.Mitigations = append(tech.Mitigations, m)
		}
	}
	sort.Slice(tech.Mitigations, func(i, j int) bool { return tech.Mitigations[i].ID < tech.Mitigations[j].ID })

	if dot := strings.IndexByte(externalID, '.'); dot > 0 {
		tech.ParentID = externalID[:dot]
	}

	return tech
}

// dropCyclicSubTechniques removes sub-techniques whose parent chain never
// reaches a root (either loops back or dangles). With well-formed T####.###
// ids cycles cannot occur, but the input is external and untrusted.
func dropCyclicSubTechniques(byID map[string]*Technique) {
	for id, tech := range byID {
		if tech.ParentID == "" {
			continue
		}
		visited := map[string]bool{id: true}
		cur := tech
		ok := false
		for {
			parent, exists := byID[cur.ParentID]
			if !exists {
				break
			}
			if visited[parent.ID] {
				break // cycle
			}
			if parent.ParentID == "" {
				ok = true
				break
			}
			visited[parent.ID] = true
			cur = parent
		}
		if !ok {
			logging.CatalogWarn("dropping sub-technique %s: parent chain does not resolve to a root", id)
			delete(byID, id)
		}
	}
}

// groupSubTechniques attaches each sub-technique to its parent, ordered by id.
func groupSubTechniques(byID map[string]*Technique) {
	for _, tech := range byID {
		if tech.ParentID == "" {
			continue
		}
		if parent, ok := byID[tech.ParentID]; ok {
			parent.SubTechniques = append(parent.SubTechniques, tech)
		}
	}
	for _, tech := range byID {
		if len(tech.SubTechniques) > 1 {
			sort.Slice(tech.SubTechniques, func(i, j int) bool {
				return tech.SubTechniques[i].ID < tech.SubTechniques[j].ID
			})
		}
	}
}

// TacticShortName normalizes a tactic display name to its kebab short-name,
// used when a tactic object lacks x_mitre_shortname.
func TacticShortName(obj string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(obj), " ", "-"))
}
