package textproc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reassemble strips each chunk's overlap prefix and concatenates the rest.
func reassemble(chunks []Chunk) string {
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(c.Text[c.Overlap:])
	}
	return sb.String()
}

func TestChunkerValidation(t *testing.T) {
	_, err := NewChunker(ChunkerConfig{MaxChunkSize: 0})
	assert.Error(t, err)

	_, err = NewChunker(ChunkerConfig{MaxChunkSize: 100, Overlap: 100})
	assert.Error(t, err)

	_, err = NewChunker(ChunkerConfig{MaxChunkSize: 100, Overlap: -1})
	assert.Error(t, err)
}

func TestChunkEmptyText(t *testing.T) {
	c, err := NewChunker(DefaultChunkerConfig())
	require.NoError(t, err)
	assert.Empty(t, c.Chunk(""))
}

func TestSingleChunkWhenTextFits(t *testing.T) {
	c, err := NewChunker(ChunkerConfig{MaxChunkSize: 100, Overlap: 10, PreserveHeaders: true})
	require.NoError(t, err)

	text := strings.Repeat("x", 100) // exactly MaxChunkSize
	chunks := c.Chunk(text)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Text)
	assert.Zero(t, chunks[0].Start)
	assert.Zero(t, chunks[0].Overlap)
}

func TestParagraphModeReconstruction(t *testing.T) {
	c, err := NewChunker(ChunkerConfig{MaxChunkSize: 50, Overlap: 20, PreserveHeaders: true})
	require.NoError(t, err)

	text := Normalize("alpha paragraph one\n\nbeta paragraph two\n\ngamma paragraph three\n\ndelta paragraph four\n\nepsilon five")
	chunks := c.Chunk(text)
	require.Greater(t, len(chunks), 1)

	assert.Equal(t, text, reassemble(chunks))
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.Equal(t, ch.Text, text[ch.Start:ch.End()], "chunk text must be the exact slice at its offset")
	}
}

func TestParagraphModeOversizedParagraph(t *testing.T) {
	c, err := NewChunker(ChunkerConfig{MaxChunkSize: 30, Overlap: 0, PreserveHeaders: true})
	require.NoError(t, err)

	big := strings.Repeat("y", 80)
	text := "short one\n\n" + big + "\n\nshort two"
	chunks := c.Chunk(text)

	assert.Equal(t, text, reassemble(chunks))
	// The oversized paragraph survives intact inside one chunk.
	found := false
	for _, ch := range chunks {
		if strings.Contains(ch.Text, big) {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCharacterModeReconstruction(t *testing.T) {
	c, err := NewChunker(ChunkerConfig{MaxChunkSize: 40, Overlap: 10, PreserveHeaders: false})
	require.NoError(t, err)

	text := "First sentence here. Second one follows! Third question? Fourth goes on and on. Fifth ends it."
	chunks := c.Chunk(text)
	require.Greater(t, len(chunks), 1)

	assert.Equal(t, text, reassemble(chunks))
	for _, ch := range chunks {
		assert.LessOrEqual(t, len(ch.Text), 40, "character mode never exceeds MaxChunkSize")
		assert.Equal(t, ch.Text, text[ch.Start:ch.End()])
	}
}

func TestCharacterModeCutsAtSentenceBoundary(t *testing.T) {
	c, err := NewChunker(ChunkerConfig{MaxChunkSize: 50, Overlap: 5, PreserveHeaders: false})
	require.NoError(t, err)

	// A terminator sits inside the final 20% of the first window.
	text := strings.Repeat("a", 42) + ". " + strings.Repeat("b", 60)
	chunks := c.Chunk(text)
	require.Greater(t, len(chunks), 1)
	assert.True(t, strings.HasSuffix(chunks[0].Text, "."), "first chunk should cut one char past the terminator, got %q", chunks[0].Text)
}

func TestCharacterModeOverlapCarried(t *testing.T) {
	c, err := NewChunker(ChunkerConfig{MaxChunkSize: 30, Overlap: 10, PreserveHeaders: false})
	require.NoError(t, err)

	text := strings.Repeat("z", 100) // no sentence boundaries
	chunks := c.Chunk(text)
	require.Greater(t, len(chunks), 1)
	for i, ch := range chunks {
		if i == 0 {
			assert.Zero(t, ch.Overlap)
			continue
		}
		assert.Equal(t, 10, ch.Overlap)
		assert.Equal(t, chunks[i-1].End()-10, ch.Start)
	}
	assert.Equal(t, text, reassemble(chunks))
}
