package browserdrv

import (
	"context"
	"fmt"
	"strings"

	"github.com/playwright-community/playwright-go"

	"github.com/invisibrow/invisibrow/pkg/types"
)

// Snapshot implements PageDriver per the contract in §4.7: query the live
// page for visible interactive elements under the fixed selector set,
// filter to non-zero bounding boxes, cap at 100, and take a bounded
// excerpt of the visible body text.
func (d *PlaywrightDriver) Snapshot(_ context.Context) (types.PageSnapshot, error) {
	title, err := d.page.Title()
	if err != nil {
		title = ""
	}

	locator := d.page.Locator(interactiveSelector)
	count, err := locator.Count()
	if err != nil {
		return types.PageSnapshot{}, fmt.Errorf("browserdrv: snapshot: count elements: %w", err)
	}

	elements := make([]types.InteractiveElement, 0, maxInteractiveElements)
	handles := make([]playwright.ElementHandle, 0, maxInteractiveElements)

	for i := 0; i < count && len(elements) < maxInteractiveElements; i++ {
		item := locator.Nth(i)
		box, err := item.BoundingBox()
		if err != nil || box == nil || (box.Width == 0 && box.Height == 0) {
			continue
		}

		handle, err := item.ElementHandle()
		if err != nil {
			continue
		}

		tag, _ := item.Evaluate("el => el.tagName.toLowerCase()", nil)
		tagName, _ := tag.(string)

		text := elementLabel(item)

		elements = append(elements, types.InteractiveElement{
			Index: len(elements),
			Tag:   tagName,
			Text:  text,
		})
		handles = append(handles, handle)
	}

	d.lastElements = handles

	content, err := d.page.Content()
	if err != nil {
		return types.PageSnapshot{}, fmt.Errorf("browserdrv: snapshot: page content: %w", err)
	}
	snippet, _ := visibleText(content, maxContentSnippetChars)

	return types.PageSnapshot{
		URL:                 d.page.URL(),
		Title:               title,
		InteractiveElements: elements,
		ContentSnippet:      snippet,
	}, nil
}

// elementLabel returns up to 50 chars of an element's visible text,
// falling back to its placeholder then its accessible label.
func elementLabel(item playwright.Locator) string {
	if text, err := item.TextContent(); err == nil && strings.TrimSpace(text) != "" {
		return truncateRunes(strings.TrimSpace(text), maxElementTextChars)
	}
	if placeholder, err := item.GetAttribute("placeholder"); err == nil && placeholder != "" {
		return truncateRunes(placeholder, maxElementTextChars)
	}
	if label, err := item.GetAttribute("aria-label"); err == nil && label != "" {
		return truncateRunes(label, maxElementTextChars)
	}
	return ""
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
