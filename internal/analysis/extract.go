package analysis

import (
	"bytes"
	"net/url"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"attacklens/internal/faults"
	"attacklens/internal/logging"
)

// ExtractText turns raw document bytes into plain text for normalization.
// Text formats pass through; HTML goes through article extraction with a
// structural markdown conversion as fallback. Binary document formats are
// rejected as UnsupportedFormat.
func ExtractText(format Format, data []byte, sourceURL string) (string, error) {
	switch format {
	case FormatPlain, FormatMarkdown:
		if !utf8.Valid(data) {
			return "", faults.New(faults.KindUnsupportedFormat, "document is not valid UTF-8 text")
		}
		return string(data), nil

	case FormatHTML:
		return extractHTML(data, sourceURL)

	case FormatPDF, FormatDOCX, FormatRTF:
		return "", faults.New(faults.KindUnsupportedFormat, "cannot extract text from %s documents", format)

	default:
		return "", faults.New(faults.KindUnsupportedFormat, "unrecognized document format")
	}
}

// extractHTML prefers readability article extraction, which strips chrome
// and boilerplate; when the page has no discernible article it falls back to
// a full-page markdown conversion so nothing is silently dropped.
func extractHTML(data []byte, sourceURL string) (string, error) {
	pageURL, _ := url.Parse(sourceURL)

	article, err := readability.FromReader(bytes.NewReader(data), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		text := article.TextContent
		if article.Title != "" && !strings.Contains(text, article.Title) {
			text = article.Title + "\n\n" + text
		}
		return text, nil
	}
	if err != nil {
		logging.IngestWarn("readability extraction failed, converting full page: %v", err)
	}

	converter := md.NewConverter("", true, nil)
	text, err := converter.ConvertString(string(data))
	if err != nil {
		return "", faults.Wrap(faults.KindUnsupportedFormat, err, "html conversion failed")
	}
	if title := htmlTitle(data); title != "" && !strings.Contains(text, title) {
		text = title + "\n\n" + text
	}
	return text, nil
}

// htmlTitle pulls the document title, which the full-page conversion drops
// with the rest of <head>.
func htmlTitle(data []byte) string {
	tok := html.NewTokenizer(bytes.NewReader(data))
	inTitle := false
	for {
		switch tok.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			name, _ := tok.TagName()
			inTitle = string(name) == "title"
		case html.EndTagToken:
			inTitle = false
		case html.TextToken:
			if inTitle {
				return strings.TrimSpace(string(tok.Text()))
			}
		}
	}
}
