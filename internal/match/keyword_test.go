package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attacklens/internal/mitre"
)

func testIndex() *mitre.TechniqueIndex {
	return mitre.NewIndex("17.0", []*mitre.Technique{
		{
			ID:          "T1059",
			Name:        "Command and Scripting Interpreter",
			Description: "Adversaries may abuse command and script interpreters to execute commands.",
			Tactics:     []string{"execution"},
			Keywords:    []string{"commands", "interpreter", "interpreters", "powershell", "scripting"},
		},
		{
			ID:          "T1486",
			Name:        "Data Encrypted for Impact",
			Description: "Adversaries may encrypt data on target systems to interrupt availability.",
			Tactics:     []string{"impact"},
			Keywords:    []string{"availability", "encrypt", "encrypted", "ransomware"},
		},
		{
			ID:          "T1566",
			Name:        "Phishing",
			Description: "Adversaries may send phishing messages with malicious attachments in spearphishing emails.",
			Tactics:     []string{"initial-access"},
			Keywords:    []string{"attachments", "emails", "malicious", "messages", "phishing", "spearphishing"},
		},
	})
}

func matchesFor(raws []RawMatch, techniqueID string) []RawMatch {
	var out []RawMatch
	for _, r := range raws {
		if r.TechniqueID == techniqueID {
			out = append(out, r)
		}
	}
	return out
}

func TestKeywordMatcherFindsKeywordOccurrences(t *testing.T) {
	m := NewKeywordMatcher(testIndex())
	text := "The attackers used phishing emails with malicious attachments."

	raws := matchesFor(m.FindMatches(text), "T1566")
	require.NotEmpty(t, raws)

	var phishing *RawMatch
	for i := range raws {
		if raws[i].Matched == "phishing" {
			phishing = &raws[i]
			break
		}
	}
	require.NotNil(t, phishing, "expected a match on the keyword itself")

	assert.Equal(t, SourceKeyword, phishing.Source)
	assert.Equal(t, "phishing", text[phishing.Pos.StartChar:phishing.Pos.EndChar])
	// len("phishing") = 8: min(1, 8/20)*0.8 + 0.2
	assert.InDelta(t, 0.52, phishing.Scores[SourceKeyword], 1e-9)
}

func TestKeywordMatcherScoreSaturatesAtTwentyChars(t *testing.T) {
	assert.InDelta(t, 1.0, keywordScore("pass-the-hash-attacks"), 1e-9)
	assert.InDelta(t, 0.2+0.8*0.15, keywordScore("rdp"), 1e-9)
}

func TestKeywordMatcherLiteralTechniqueID(t *testing.T) {
	m := NewKeywordMatcher(testIndex())
	text := "See T1486 for details."

	raws := matchesFor(m.FindMatches(text), "T1486")
	require.NotEmpty(t, raws)

	var id *RawMatch
	for i := range raws {
		if raws[i].Matched == "T1486" {
			id = &raws[i]
			break
		}
	}
	require.NotNil(t, id)
	assert.InDelta(t, 1.0, id.Scores[SourceKeyword], 1e-9)
	assert.Equal(t, 4, id.Pos.StartChar)
}

func TestKeywordMatcherRespectsWordStart(t *testing.T) {
	m := NewKeywordMatcher(testIndex())

	// "phishing" must not fire inside "spearphishing"; the longer keyword
	// still matches the full token.
	raws := matchesFor(m.FindMatches("a spearphishing lure"), "T1566")
	require.NotEmpty(t, raws)
	for _, r := range raws {
		assert.Equal(t, "spearphishing", r.Matched)
	}
}

func TestKeywordMatcherAllowsTrailingInflection(t *testing.T) {
	m := NewKeywordMatcher(testIndex())

	// Keyword "encrypt" should hit inside "encrypts".
	raws := matchesFor(m.FindMatches("the payload encrypts files"), "T1486")
	found := false
	for _, r := range raws {
		if r.Matched == "encrypt" {
			found = true
		}
	}
	assert.True(t, found)
}
