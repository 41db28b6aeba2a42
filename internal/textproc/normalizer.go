// Package textproc provides text normalization and chunking for the analysis
// pipeline. Normalization is deterministic and idempotent; chunking preserves
// absolute character offsets so matches can be mapped back to the full text.
package textproc

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var charFolds = strings.NewReplacer(
	"‘", "'", // left single quote
	"’", "'", // right single quote
	"“", `"`, // left double quote
	"”", `"`, // right double quote
	"…", "...", // ellipsis
	"–", "-", // en dash
	"—", "-", // em dash
	" ", " ", // non-breaking space
	"­", "", // soft hyphen
	"•", "*", // bullet
)

var (
	horizontalWS   = regexp.MustCompile(`[ \t\f\v]+`)
	spacedNewlines = regexp.MustCompile(` ?\n ?`)
	manyNewlines   = regexp.MustCompile(`\n{3,}`)
)

// Normalize cleans up document text: Unicode NFC, typographic character
// folding, line-ending unification, whitespace collapse outside paragraph
// breaks, and paragraph-break reduction to exactly one blank line.
// Idempotent: Normalize(Normalize(t)) == Normalize(t).
func Normalize(text string) string {
	if text == "" {
		return ""
	}

	t := norm.NFC.String(text)
	t = charFolds.Replace(t)

	// Unify line endings before whitespace collapse.
	t = strings.ReplaceAll(t, "\r\n", "\n")
	t = strings.ReplaceAll(t, "\r", "\n")

	t = horizontalWS.ReplaceAllString(t, " ")
	t = spacedNewlines.ReplaceAllString(t, "\n")
	t = manyNewlines.ReplaceAllString(t, "\n\n")

	return strings.TrimSpace(t)
}
