package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuzzyMatcherExactName(t *testing.T) {
	m := NewFuzzyMatcher(testIndex())
	text := "a phishing campaign"

	raws := matchesFor(m.FindMatches(text), "T1566")
	require.NotEmpty(t, raws)
	assert.Equal(t, "phishing", raws[0].Matched)
	assert.InDelta(t, 1.0, raws[0].Scores[SourceFuzzy], 1e-9)
}

func TestFuzzyMatcherToleratesTypos(t *testing.T) {
	m := NewFuzzyMatcher(testIndex())

	raws := matchesFor(m.FindMatches("a phishng campaign"), "T1566")
	require.NotEmpty(t, raws)
	assert.Equal(t, "phishng", raws[0].Matched)
	// One edit over eight characters.
	assert.InDelta(t, 1-1.0/8, raws[0].Scores[SourceFuzzy], 1e-9)
}

func TestFuzzyMatcherRejectsDistantTokens(t *testing.T) {
	m := NewFuzzyMatcher(testIndex())
	assert.Empty(t, matchesFor(m.FindMatches("the phosphor glows"), "T1566"))
}

func TestFuzzyMatcherMultiWordName(t *testing.T) {
	m := NewFuzzyMatcher(testIndex())
	text := "backups destroyed, data encrypted for impact across hosts"

	raws := matchesFor(m.FindMatches(text), "T1486")
	require.NotEmpty(t, raws)

	var phrase *RawMatch
	for i := range raws {
		if raws[i].Matched == "data encrypted for impact" {
			phrase = &raws[i]
			break
		}
	}
	require.NotNil(t, phrase)
	assert.InDelta(t, 1.0, phrase.Scores[SourceFuzzy], 1e-9)
	assert.Equal(t, "data encrypted for impact", text[phrase.Pos.StartChar:phrase.Pos.EndChar])
}

func TestFuzzyMatcherSkipsShortTokens(t *testing.T) {
	m := NewFuzzyMatcher(testIndex())
	// "rdp" style three-letter tokens are below the fuzz floor.
	assert.Empty(t, m.FindMatches("go up and on"))
}

func TestSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, similarity("mimikatz", "mimikatz"), 1e-9)
	assert.InDelta(t, 0.875, similarity("mimikats", "mimikatz"), 1e-9)
	assert.InDelta(t, 0.5, similarity("ntlm", "nt"), 1e-9)
}
