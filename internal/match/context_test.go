package match

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractContextExtendsToSentenceBoundaries(t *testing.T) {
	text := "First sentence here. The second sentence mentions mimikatz in passing. Third sentence closes."
	pos := Position{StartChar: strings.Index(text, "mimikatz"), EndChar: strings.Index(text, "mimikatz") + len("mimikatz")}

	ctx := ExtractContext(text, pos, 20)
	assert.Equal(t, "The second sentence mentions mimikatz in passing.", ctx)
}

func TestExtractContextClampsAtTextEdges(t *testing.T) {
	text := "short text without punctuation"
	ctx := ExtractContext(text, Position{StartChar: 0, EndChar: 5}, 200)
	assert.Equal(t, text, ctx)
}

func TestExtractContextStopsAtParagraphBreak(t *testing.T) {
	text := "An unrelated paragraph\n\nThe lure used powershell here\n\nAnother paragraph"
	start := strings.Index(text, "powershell")
	ctx := ExtractContext(text, Position{StartChar: start, EndChar: start + len("powershell")}, 10)
	assert.Equal(t, "The lure used powershell here", ctx)
}
