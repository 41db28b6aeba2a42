package match

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTFIDFMatcherRanksOverlappingVocabulary(t *testing.T) {
	m := NewTFIDFMatcher(testIndex())
	text := "Threat actors were observed this quarter. Adversaries send phishing messages with malicious attachments in spearphishing emails."

	raws := m.FindMatches(text)
	require.NotEmpty(t, raws)

	var best RawMatch
	for _, r := range raws {
		if r.Scores[SourceTFIDF] > best.Scores[SourceTFIDF] {
			best = r
		}
	}
	assert.Equal(t, "T1566", best.TechniqueID)
	assert.Greater(t, best.Scores[SourceTFIDF], tfidfThreshold)

	// The matched substring is the sentence sharing tokens with the
	// technique name, not the generic lead-in.
	assert.Contains(t, best.Matched, "phishing")
	assert.Equal(t, best.Matched, text[best.Pos.StartChar:best.Pos.EndChar])
}

func TestTFIDFMatcherQuietOnUnrelatedText(t *testing.T) {
	m := NewTFIDFMatcher(testIndex())
	raws := m.FindMatches("Quarterly revenue grew nine percent on strong subscription renewals.")
	assert.Empty(t, raws)
}

func TestTFIDFMatcherWindowsCoverLongInput(t *testing.T) {
	m := NewTFIDFMatcher(testIndex())

	filler := strings.Repeat("Lorem ipsum dolor sit amet, consectetur adipiscing elit. ", 12)
	tail := strings.Repeat("Adversaries send phishing messages with malicious attachments in spearphishing emails. ", 3)
	text := filler + tail

	raws := matchesFor(m.FindMatches(text), "T1566")
	require.NotEmpty(t, raws, "signal past the first window must still be found")

	found := false
	for _, r := range raws {
		if r.Pos.StartChar >= len(filler) {
			found = true
		}
	}
	assert.True(t, found, "match position should fall inside the trailing sentence")
}

func TestBestSentencePrefersNameTokens(t *testing.T) {
	window := "Nothing relevant here. The phishing lure arrived by mail."
	start, end := bestSentence(window, map[string]bool{"phishing": true})
	assert.Equal(t, "The phishing lure arrived by mail.", window[start:end])
}
