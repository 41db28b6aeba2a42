package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attacklens/internal/faults"
)

func TestExtractTextPlainPassthrough(t *testing.T) {
	text, err := ExtractText(FormatPlain, []byte("Adversaries abuse PowerShell."), "")
	require.NoError(t, err)
	assert.Equal(t, "Adversaries abuse PowerShell.", text)

	text, err = ExtractText(FormatMarkdown, []byte("# Advisory\n\nDetails."), "")
	require.NoError(t, err)
	assert.Equal(t, "# Advisory\n\nDetails.", text)
}

func TestExtractTextRejectsInvalidUTF8(t *testing.T) {
	_, err := ExtractText(FormatPlain, []byte{0xff, 0xfe, 0x41}, "")
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindUnsupportedFormat))
}

func TestExtractTextHTML(t *testing.T) {
	page := []byte(`<!DOCTYPE html>
<html>
<head><title>Threat Advisory</title></head>
<body>
<nav><a href="/">home</a></nav>
<article>
<h1>Threat Advisory</h1>
<p>Adversaries send spearphishing messages with malicious attachments to gain
access to victim systems. The campaign used PowerShell for execution and
encrypted data on target systems for impact.</p>
<p>Defenders should review mail gateway logs and monitor script execution.</p>
</article>
</body>
</html>`)

	text, err := ExtractText(FormatHTML, page, "https://intel.example.com/advisory")
	require.NoError(t, err)
	assert.Contains(t, text, "spearphishing messages")
	assert.Contains(t, text, "PowerShell")
	assert.NotContains(t, text, "<p>")
}

func TestExtractTextBinaryFormatsUnsupported(t *testing.T) {
	for _, format := range []Format{FormatPDF, FormatDOCX, FormatRTF} {
		_, err := ExtractText(format, []byte("binary"), "")
		require.Error(t, err, "format=%s", format)
		assert.True(t, faults.IsKind(err, faults.KindUnsupportedFormat))
	}

	_, err := ExtractText(FormatUnknown, []byte{0x00, 0x01}, "")
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindUnsupportedFormat))
}
