// Package markdown renders assistant replies to sanitized HTML.
package markdown

import (
	"bytes"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Raw HTML passes through goldmark so the sanitizer sees it; bluemonday is
// the single place where untrusted markup gets stripped.
var converter = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps(), html.WithUnsafe()),
)

// The UGC policy keeps formatting tags but strips scripts and event
// handlers, since rendered replies end up in a rich-text view.
var sanitizer = bluemonday.UGCPolicy()

// Render converts Markdown source to sanitized HTML. Empty input renders
// to the empty string.
func Render(source string) (string, error) {
	if source == "" {
		return "", nil
	}

	var buf bytes.Buffer
	if err := converter.Convert([]byte(source), &buf); err != nil {
		return "", err
	}
	return sanitizer.Sanitize(buf.String()), nil
}
