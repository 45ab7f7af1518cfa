// ABOUTME: Markdown rendering for chat messages using goldmark
// ABOUTME: Raw HTML in chat text is not passed through

package gateway

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// chatRenderer converts chat text to HTML. goldmark omits raw HTML unless
// the unsafe renderer option is set, which it is not here.
type chatRenderer struct {
	md goldmark.Markdown
}

func newChatRenderer() *chatRenderer {
	return &chatRenderer{
		md: goldmark.New(goldmark.WithExtensions(extension.Linkify, extension.Strikethrough)),
	}
}

func (r *chatRenderer) Render(text string) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
