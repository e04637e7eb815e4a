package browserdrv

import (
	"strings"

	"golang.org/x/net/html"
)

// visibleText walks the page's HTML and concatenates text node content,
// skipping script/style/noscript subtrees, truncating at maxLength.
// Adapted from the teacher's cleanNode walker: that version preserved
// tags and attributes for a coding-agent's markdown extraction, this one
// keeps only the walk-and-skip shape and discards everything but text,
// since the snapshot contract (§4.7) wants a bounded text excerpt, not
// structured markup.
func visibleText(rawHTML string, maxLength int) (string, bool) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", false
	}

	var b strings.Builder
	truncated := collectText(doc, &b, maxLength)
	return strings.TrimSpace(b.String()), truncated
}

func collectText(n *html.Node, b *strings.Builder, maxLength int) bool {
	if b.Len() >= maxLength {
		return true
	}
	if n.Type == html.CommentNode {
		return false
	}
	if n.Type == html.ElementNode && isSkippedElement(strings.ToLower(n.Data)) {
		return false
	}
	if n.Type == html.TextNode {
		text := strings.TrimSpace(n.Data)
		if text == "" {
			return false
		}
		if b.Len()+len(text)+1 > maxLength {
			remaining := maxLength - b.Len()
			if remaining > 0 {
				b.WriteString(text[:remaining])
			}
			return true
		}
		b.WriteString(text)
		b.WriteString(" ")
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if collectText(c, b, maxLength) {
			return true
		}
	}
	return false
}

func isSkippedElement(tagName string) bool {
	switch tagName {
	case "script", "style", "noscript", "iframe", "embed", "object", "svg":
		return true
	}
	return false
}
