package textproc

import (
	"fmt"
	"strings"
)

// Chunk is one window of the normalized document text. Start is the absolute
// offset of Text[0] in the normalized text; Overlap counts leading characters
// repeated from the previous chunk. Concatenating Text[Overlap:] across all
// chunks reproduces the normalized text exactly.
type Chunk struct {
	Index   int
	Text    string
	Start   int
	Overlap int
}

// End returns the absolute offset one past the last character of the chunk.
func (c Chunk) End() int { return c.Start + len(c.Text) }

// ChunkerConfig holds chunking configuration.
type ChunkerConfig struct {
	MaxChunkSize    int  // Target maximum chunk length in characters
	Overlap         int  // Characters of context carried between chunks
	PreserveHeaders bool // Paragraph mode (true, default) vs character mode
}

// DefaultChunkerConfig returns sensible chunking defaults.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{MaxChunkSize: 4000, Overlap: 200, PreserveHeaders: true}
}

// Chunker splits normalized text into overlapping chunks.
type Chunker struct {
	cfg ChunkerConfig
}

// NewChunker creates a Chunker, validating the configuration.
func NewChunker(cfg ChunkerConfig) (*Chunker, error) {
	if cfg.MaxChunkSize <= 0 {
		return nil, fmt.Errorf("MaxChunkSize must be positive, got %d", cfg.MaxChunkSize)
	}
	if cfg.Overlap < 0 {
		return nil, fmt.Errorf("Overlap must be non-negative, got %d", cfg.Overlap)
	}
	if cfg.Overlap >= cfg.MaxChunkSize {
		return nil, fmt.Errorf("Overlap (%d) must be less than MaxChunkSize (%d)", cfg.Overlap, cfg.MaxChunkSize)
	}
	return &Chunker{cfg: cfg}, nil
}

// Chunk splits text. The input is assumed normalized (see Normalize); an empty
// input yields no chunks.
func (c *Chunker) Chunk(text string) []Chunk {
	if text == "" {
		return nil
	}
	if len(text) <= c.cfg.MaxChunkSize {
		return []Chunk{{Index: 0, Text: text}}
	}
	if c.cfg.PreserveHeaders {
		return c.chunkParagraphs(text)
	}
	return c.chunkCharacters(text)
}

// paragraph records one blank-line-separated block with its absolute offset.
type paragraph struct {
	start int
	end   int // exclusive, excludes the trailing separator
}

func splitParagraphs(text string) []paragraph {
	var paras []paragraph
	pos := 0
	for pos < len(text) {
		sep := strings.Index(text[pos:], "\n\n")
		if sep < 0 {
			paras = append(paras, paragraph{start: pos, end: len(text)})
			break
		}
		paras = append(paras, paragraph{start: pos, end: pos + sep})
		pos += sep + 2
	}
	return paras
}

// chunkParagraphs greedily packs paragraphs up to MaxChunkSize, carrying a
// suffix of the previous chunk's trailing paragraphs (combined length within
// the overlap budget) into the next chunk. A single paragraph longer than
// MaxChunkSize becomes its own oversized chunk.
func (c *Chunker) chunkParagraphs(text string) []Chunk {
	paras := splitParagraphs(text)
	if len(paras) == 0 {
		return nil
	}

	var chunks []Chunk
	i := 0
	for i < len(paras) {
		first := i
		end := paras[i].end
		i++
		for i < len(paras) && paras[i].end-paras[first].start <= c.cfg.MaxChunkSize {
			end = paras[i].end
			i++
		}

		// Overlap prefix: trailing paragraphs of the previous chunk whose
		// combined span fits the overlap budget.
		overlapStart := paras[first].start
		if len(chunks) > 0 && c.cfg.Overlap > 0 {
			for j := first - 1; j >= 0; j-- {
				if paras[first].start-paras[j].start > c.cfg.Overlap {
					break
				}
				overlapStart = paras[j].start
			}
		}

		// Extend the body through the following separator so the non-overlap
		// regions tile the text exactly.
		bodyEnd := end
		if i < len(paras) {
			bodyEnd = paras[i].start
		}

		chunks = append(chunks, Chunk{
			Index:   len(chunks),
			Text:    text[overlapStart:bodyEnd],
			Start:   overlapStart,
			Overlap: paras[first].start - overlapStart,
		})
	}
	return chunks
}

// sentenceEnders are the cut points scanned for in character mode.
const sentenceEnders = ".?!"

// chunkCharacters walks fixed-size windows, preferring to cut just past the
// last sentence terminator found in the final 20% of the window.
func (c *Chunker) chunkCharacters(text string) []Chunk {
	var chunks []Chunk
	start := 0
	overlap := 0
	for start < len(text) {
		end := start + c.cfg.MaxChunkSize
		if end >= len(text) {
			end = len(text)
		} else {
			tail := text[start+c.cfg.MaxChunkSize*4/5 : end]
			if cut := strings.LastIndexAny(tail, sentenceEnders); cut >= 0 {
				end = start + c.cfg.MaxChunkSize*4/5 + cut + 1
			}
		}

		chunks = append(chunks, Chunk{
			Index:   len(chunks),
			Text:    text[start:end],
			Start:   start,
			Overlap: overlap,
		})
		if end == len(text) {
			break
		}

		next := end - c.cfg.Overlap
		if next <= start { // guard against pathological overlap
			next = end
		}
		overlap = end - next
		start = next
	}
	return chunks
}
