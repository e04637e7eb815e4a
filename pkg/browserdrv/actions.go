package browserdrv

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/invisibrow/invisibrow/pkg/types"
)

// searchEngineHome and its primary search input selector; the sorry/
// challenge URL pattern the Watchdog checks against lives beside this in
// watchdog, not here, since it's a detection concern rather than a
// navigation one.
const searchEngineHome = "https://www.google.com"

var searchInputSelectors = []string{`textarea[name="q"]`, `input[name="q"]`}

// Goto implements PageDriver.
func (d *PlaywrightDriver) Goto(ctx context.Context, url string) (types.PageSnapshot, error) {
	_, err := d.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(30000),
	})
	if err != nil {
		return types.PageSnapshot{}, fmt.Errorf("browserdrv: goto %s: %w", url, err)
	}
	return d.Snapshot(ctx)
}

// Search implements the human-typing-jitter search action from §4.3. This
// behavior has no direct teacher source (the teacher's SearchTool does a
// substring match over already-extracted text, not a live search) and is
// authored fresh, grounded conceptually on the teacher's general pattern
// of driving Playwright primitives one call at a time in session.go.
func (d *PlaywrightDriver) Search(ctx context.Context, query string) (types.PageSnapshot, error) {
	if err := d.humanSearch(ctx, query); err != nil {
		// Fallback: direct query-string navigation.
		fallbackURL := searchEngineHome + "/search?q=" + urlEncode(query)
		if _, gerr := d.page.Goto(fallbackURL, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateNetworkidle,
			Timeout:   playwright.Float(45000),
		}); gerr != nil {
			return types.PageSnapshot{}, fmt.Errorf("browserdrv: search %q: %w (fallback: %v)", query, err, gerr)
		}
	}
	return d.Snapshot(ctx)
}

func (d *PlaywrightDriver) humanSearch(ctx context.Context, query string) error {
	if _, err := d.page.Goto(searchEngineHome, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(30000),
	}); err != nil {
		return fmt.Errorf("navigate to search home: %w", err)
	}

	var input playwright.Locator
	for _, sel := range searchInputSelectors {
		loc := d.page.Locator(sel).First()
		if count, _ := loc.Count(); count > 0 {
			input = loc
			break
		}
	}
	if input == nil {
		return fmt.Errorf("search input not found")
	}

	if err := input.Click(); err != nil {
		return fmt.Errorf("focus search input: %w", err)
	}

	for _, r := range query {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.page.Keyboard().Type(string(r), playwright.KeyboardTypeOptions{
			Delay: playwright.Float(0),
		}); err != nil {
			return fmt.Errorf("type character: %w", err)
		}
		jitterSleep(ctx, 150*time.Millisecond, 350*time.Millisecond)
	}

	jitterSleep(ctx, 500*time.Millisecond, 1000*time.Millisecond)

	if err := d.page.Keyboard().Press("Enter"); err != nil {
		return fmt.Errorf("press enter: %w", err)
	}

	if err := d.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(45000),
	}); err != nil {
		return fmt.Errorf("wait for navigation: %w", err)
	}
	return nil
}

// jitterSleep sleeps a random duration in [lo, hi], honoring ctx
// cancellation (race(timer, cancel), per the spec's cancellation idiom).
func jitterSleep(ctx context.Context, lo, hi time.Duration) {
	d := lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Click implements PageDriver: indexes into the last snapshot's
// interactive-element list, scrolls into view, and clicks its center.
func (d *PlaywrightDriver) Click(ctx context.Context, elementIndex int) (types.PageSnapshot, error) {
	el, err := d.resolveElement(elementIndex)
	if err != nil {
		return types.PageSnapshot{}, fmt.Errorf("browserdrv: click: %w", err)
	}
	if err := el.ScrollIntoViewIfNeeded(); err != nil {
		return types.PageSnapshot{}, fmt.Errorf("browserdrv: click: scroll into view: %w", err)
	}
	if err := el.Click(); err != nil {
		return types.PageSnapshot{}, fmt.Errorf("browserdrv: click: %w", err)
	}
	return d.Snapshot(ctx)
}

// Type implements PageDriver: resolve element elementIndex, scroll it
// into view, focus it, insert text, press Enter. The "id:text" parameter
// is split by the caller before Type is invoked.
func (d *PlaywrightDriver) Type(ctx context.Context, elementIndex int, text string) (types.PageSnapshot, error) {
	el, err := d.resolveElement(elementIndex)
	if err != nil {
		return types.PageSnapshot{}, fmt.Errorf("browserdrv: type: %w", err)
	}
	if err := el.ScrollIntoViewIfNeeded(); err != nil {
		return types.PageSnapshot{}, fmt.Errorf("browserdrv: type: scroll into view: %w", err)
	}
	if err := el.Focus(); err != nil {
		return types.PageSnapshot{}, fmt.Errorf("browserdrv: type: focus: %w", err)
	}
	if err := el.Fill(text); err != nil {
		return types.PageSnapshot{}, fmt.Errorf("browserdrv: type: fill: %w", err)
	}
	if err := d.page.Keyboard().Press("Enter"); err != nil {
		return types.PageSnapshot{}, fmt.Errorf("browserdrv: type: enter: %w", err)
	}
	return d.Snapshot(ctx)
}

// Wait implements PageDriver.
func (d *PlaywrightDriver) Wait(ctx context.Context, dur time.Duration) (types.PageSnapshot, error) {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return types.PageSnapshot{}, ctx.Err()
	}
	return d.Snapshot(ctx)
}

func (d *PlaywrightDriver) resolveElement(index int) (playwright.ElementHandle, error) {
	if index < 0 || index >= len(d.lastElements) {
		return nil, fmt.Errorf("element index %d out of range (snapshot has %d elements)", index, len(d.lastElements))
	}
	return d.lastElements[index], nil
}

func urlEncode(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == ' ' {
			b.WriteByte('+')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
