package analysis

import (
	"crypto/sha256"
	"encoding/hex"

	"attacklens/internal/textproc"
)

// DocumentMeta is the metadata record carried with an ingested document.
type DocumentMeta struct {
	CharCount int    `json:"charCount"`
	Format    Format `json:"format"`
	SourceURL string `json:"sourceUrl,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

// DocumentBundle is the output of ingestion. It is owned exclusively by the
// workflow run that produced it: the full text and chunks never leave the
// process (json:"-"), only the metadata and the derived matches persist.
type DocumentBundle struct {
	DocumentID  string           `json:"documentId"`
	Text        string           `json:"-"`
	Chunks      []textproc.Chunk `json:"-"`
	Meta        DocumentMeta     `json:"meta"`
	ContentHash string           `json:"contentHash"`
}

// newDocumentBundle hashes and chunks normalized text.
func newDocumentBundle(text string, chunks []textproc.Chunk, meta DocumentMeta) *DocumentBundle {
	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:])
	meta.CharCount = len(text)
	return &DocumentBundle{
		DocumentID:  "doc-" + hash[:16],
		Text:        text,
		Chunks:      chunks,
		Meta:        meta,
		ContentHash: hash,
	}
}
