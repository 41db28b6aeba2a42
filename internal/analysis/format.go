// Package analysis defines the document-analysis workflow: ingestion
// (fetch or upload), format detection and text extraction, per-chunk matching
// against the catalog, and report generation.
package analysis

import (
	"bytes"
	"mime"
	"path/filepath"
	"strings"
)

// Format is the detected document format.
type Format string

const (
	FormatPlain    Format = "text/plain"
	FormatMarkdown Format = "text/markdown"
	FormatHTML     Format = "text/html"
	FormatPDF      Format = "application/pdf"
	FormatDOCX     Format = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	FormatRTF      Format = "application/rtf"
	FormatUnknown  Format = "application/octet-stream"
)

// AcceptedFormats is the upload mime whitelist.
var AcceptedFormats = map[Format]bool{
	FormatPlain:    true,
	FormatMarkdown: true,
	FormatHTML:     true,
	FormatPDF:      true,
	FormatDOCX:     true,
	FormatRTF:      true,
}

// DetectFormat resolves a document's format from, in priority order, the
// transport content type, the filename extension, and a content sniff.
func DetectFormat(name, contentType string, data []byte) Format {
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			switch mt {
			case "text/plain":
				return FormatPlain
			case "text/markdown":
				return FormatMarkdown
			case "text/html", "application/xhtml+xml":
				return FormatHTML
			case "application/pdf":
				return FormatPDF
			case string(FormatDOCX):
				return FormatDOCX
			case "application/rtf", "text/rtf":
				return FormatRTF
			}
		}
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".text", ".log":
		return FormatPlain
	case ".md", ".markdown":
		return FormatMarkdown
	case ".html", ".htm", ".xhtml":
		return FormatHTML
	case ".pdf":
		return FormatPDF
	case ".docx":
		return FormatDOCX
	case ".rtf":
		return FormatRTF
	}

	return sniffFormat(data)
}

// sniffFormat inspects leading bytes: magic numbers first, then an HTML tag
// probe, defaulting to plain text for anything that decodes as text.
func sniffFormat(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return FormatPDF
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return FormatDOCX
	case bytes.HasPrefix(data, []byte(`{\rtf`)):
		return FormatRTF
	}

	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	lower := bytes.ToLower(head)
	if bytes.Contains(lower, []byte("<html")) || bytes.Contains(lower, []byte("<!doctype html")) ||
		bytes.Contains(lower, []byte("<body")) {
		return FormatHTML
	}

	if isMostlyText(head) {
		return FormatPlain
	}
	return FormatUnknown
}

func isMostlyText(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	binary := 0
	for _, b := range data {
		if b < 0x09 {
			binary++
		}
	}
	return binary*100 < len(data)
}
