package mitre

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attacklens/internal/faults"
)

const testBundle = `{
  "type": "bundle",
  "id": "bundle--1",
  "spec_version": "2.0",
  "objects": [
    {
      "type": "x-mitre-tactic",
      "id": "x-mitre-tactic--ia",
      "name": "Initial Access",
      "x_mitre_shortname": "initial-access"
    },
    {
      "type": "x-mitre-tactic",
      "id": "x-mitre-tactic--de",
      "name": "Defense Evasion"
    },
    {
      "type": "attack-pattern",
      "id": "attack-pattern--phishing",
      "name": "Phishing",
      "description": "Adversaries may send phishing messages to gain access to victim systems.",
      "x_mitre_version": "1.2",
      "x_mitre_platforms": ["Linux", "Windows"],
      "x_mitre_data_sources": ["Application Log: Application Log Content"],
      "x_mitre_detection": "Monitor for suspicious descendant processes.",
      "kill_chain_phases": [
        {"kill_chain_name": "mitre-attack", "phase_name": "initial-access"},
        {"kill_chain_name": "lockheed", "phase_name": "delivery"}
      ],
      "external_references": [
        {"source_name": "capec", "external_id": "CAPEC-98"},
        {"source_name": "mitre-attack", "external_id": "T1566", "url": "https://attack.mitre.org/techniques/T1566"}
      ]
    },
    {
      "type": "attack-pattern",
      "id": "attack-pattern--spearphishing",
      "name": "Spearphishing Attachment",
      "description": "Adversaries may send spearphishing emails with a malicious attachment.",
      "kill_chain_phases": [
        {"kill_chain_name": "mitre-attack", "phase_name": "initial-access"}
      ],
      "external_references": [
        {"source_name": "mitre-attack", "external_id": "T1566.001", "url": "https://attack.mitre.org/techniques/T1566/001"}
      ]
    },
    {
      "type": "attack-pattern",
      "id": "attack-pattern--orphan-sub",
      "name": "Orphan Sub-Technique",
      "description": "Parent id never defined.",
      "external_references": [
        {"source_name": "mitre-attack", "external_id": "T9999.001"}
      ]
    },
    {
      "type": "attack-pattern",
      "id": "attack-pattern--no-ref",
      "name": "No MITRE Reference",
      "external_references": [
        {"source_name": "capec", "external_id": "CAPEC-1"}
      ]
    },
    {
      "type": "course-of-action",
      "id": "course-of-action--training",
      "name": "User Training",
      "description": "Train users to identify social engineering.",
      "external_references": [
        {"source_name": "mitre-attack", "external_id": "M1017"}
      ]
    },
    {
      "type": "relationship",
      "id": "relationship--1",
      "relationship_type": "mitigates",
      "source_ref": "course-of-action--training",
      "target_ref": "attack-pattern--phishing"
    },
    {
      "type": "intrusion-set",
      "id": "intrusion-set--ignored",
      "name": "APT00"
    }
  ]
}`

func TestParseBundle(t *testing.T) {
	index, err := ParseBundle([]byte(testBundle))
	require.NoError(t, err)

	assert.Equal(t, "2.0", index.Version())
	assert.Equal(t, 2, index.Len(), "orphan sub and CAPEC-only pattern are dropped")

	tech, ok := index.Technique("T1566")
	require.True(t, ok)
	assert.Equal(t, "Phishing", tech.Name)
	assert.Equal(t, []string{"initial-access"}, tech.Tactics, "non-mitre kill chains are ignored")
	assert.Equal(t, []string{"Linux", "Windows"}, tech.Platforms)
	assert.Equal(t, "https://attack.mitre.org/techniques/T1566", tech.URL)
	assert.False(t, tech.IsSubTechnique())
	assert.Contains(t, tech.Keywords, "phishing")

	require.Len(t, tech.Mitigations, 1)
	assert.Equal(t, "M1017", tech.Mitigations[0].ID)
	assert.Equal(t, "User Training", tech.Mitigations[0].Name)

	sub, ok := index.Technique("T1566.001")
	require.True(t, ok)
	assert.True(t, sub.IsSubTechnique())
	assert.Equal(t, "T1566", sub.ParentID)
	require.Len(t, tech.SubTechniques, 1)
	assert.Same(t, sub, tech.SubTechniques[0])

	_, ok = index.Technique("T9999.001")
	assert.False(t, ok, "sub-technique with unresolvable parent must be dropped")
}

func TestParseBundleTacticIndex(t *testing.T) {
	index, err := ParseBundle([]byte(testBundle))
	require.NoError(t, err)

	assert.Equal(t, []string{"defense-evasion", "initial-access"}, index.Tactics())
	assert.Equal(t, []string{"T1566", "T1566.001"}, index.TacticTechniques("initial-access"))
	assert.Empty(t, index.TacticTechniques("defense-evasion"))
}

func TestParseBundleVersionFallback(t *testing.T) {
	bundle := `{"type":"bundle","objects":[
		{"type":"attack-pattern","id":"attack-pattern--x","name":"X","x_mitre_version":"3.1",
		 "external_references":[{"source_name":"mitre-attack","external_id":"T1000"}]}
	]}`
	index, err := ParseBundle([]byte(bundle))
	require.NoError(t, err)
	assert.Equal(t, "3.1", index.Version())

	bundle = `{"type":"bundle","objects":[
		{"type":"attack-pattern","id":"attack-pattern--x","name":"X",
		 "external_references":[{"source_name":"mitre-attack","external_id":"T1000"}]}
	]}`
	index, err = ParseBundle([]byte(bundle))
	require.NoError(t, err)
	assert.Equal(t, "unknown", index.Version())
}

func TestParseBundleMalformed(t *testing.T) {
	_, err := ParseBundle([]byte("not json"))
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindMalformedCatalog))

	_, err = ParseBundle([]byte(`{"type":"bundle","id":"bundle--2"}`))
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindMalformedCatalog))

	_, err = ParseBundle([]byte(`{"type":"bundle","objects":"nope"}`))
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindMalformedCatalog))
}

func TestTacticShortName(t *testing.T) {
	assert.Equal(t, "defense-evasion", TacticShortName("Defense Evasion"))
	assert.Equal(t, "impact", TacticShortName("  Impact "))
}
