// Package browserdrv gives the opaque PageDriver contract one concrete,
// exercised implementation (PlaywrightDriver, adapted from the teacher's
// pkg/tools/browser session/manager pair) plus a MockDriver for
// UI_TEST=1 and control-loop tests.
package browserdrv

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/invisibrow/invisibrow/pkg/types"
)

// Default values carried over from the teacher's session defaults.
const (
	DefaultTimeoutMS      = 30000.0
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
	maxInteractiveElements = 100
	maxElementTextChars    = 50
	maxContentSnippetChars = 1500
)

// interactiveSelector matches the fixed selector set the snapshot
// contract (spec §4.7) requires: anchors, buttons, inputs, ARIA
// button/link/tab/textbox roles, contenteditable nodes, and textareas.
const interactiveSelector = `a, button, input, textarea, [contenteditable="true"], ` +
	`[role="button"], [role="link"], [role="tab"], [role="textbox"]`

// PageDriver is the opaque browser control contract every Executor action
// in §4.3 is implemented against. It is never exposed to the Planner.
type PageDriver interface {
	// Goto navigates to url with a 30s timeout, waiting for network-idle.
	Goto(ctx context.Context, url string) (types.PageSnapshot, error)

	// Search simulates a human search on a default search engine: locate
	// the primary input, focus, click, type with per-character jitter,
	// pause, press Enter, wait for navigation up to 45s. Falls back to a
	// direct query-string navigation on failure.
	Search(ctx context.Context, query string) (types.PageSnapshot, error)

	// Click indexes into the most recent snapshot's interactive-element
	// list, scrolls the element into view, and clicks its center.
	Click(ctx context.Context, elementIndex int) (types.PageSnapshot, error)

	// Type focuses elementIndex, scrolls it into view, inserts text via
	// the driver's text-insertion primitive, and presses Enter.
	Type(ctx context.Context, elementIndex int, text string) (types.PageSnapshot, error)

	// Wait sleeps for the given duration (cancellable) and returns a
	// fresh snapshot.
	Wait(ctx context.Context, d time.Duration) (types.PageSnapshot, error)

	// Snapshot returns the current page's snapshot without performing an
	// action, used by the Executor before every decision call.
	Snapshot(ctx context.Context) (types.PageSnapshot, error)

	// SetHeadless restarts the browser with the same profile directory so
	// cookies, local storage, and logged-in state survive the toggle —
	// required by the intervention handshake (§4.6).
	SetHeadless(ctx context.Context, headless bool) error

	// URL returns the current page URL.
	URL() string

	// Close releases all driver resources.
	Close() error
}

// PlaywrightDriver implements PageDriver against a single Chromium
// instance launched with a persistent profile directory, one per
// session id, grounded on the teacher's SessionManager.StartSession.
type PlaywrightDriver struct {
	profileDir string
	headless   bool

	pw      *playwright.Playwright
	context playwright.BrowserContext
	page    playwright.Page

	lastElements []playwright.ElementHandle
}

// NewPlaywrightDriver installs (if needed) and starts Playwright, then
// launches a persistent Chromium context rooted at profileDir.
func NewPlaywrightDriver(ctx context.Context, profileDir string, headless bool) (*PlaywrightDriver, error) {
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return nil, fmt.Errorf("browserdrv: install playwright: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("browserdrv: start playwright: %w", err)
	}

	d := &PlaywrightDriver{profileDir: profileDir, headless: headless, pw: pw}
	if err := d.launch(); err != nil {
		_ = pw.Stop()
		return nil, err
	}
	return d, nil
}

func (d *PlaywrightDriver) launch() error {
	context, err := d.pw.Chromium.LaunchPersistentContext(d.profileDir, playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: &d.headless,
		Viewport: &playwright.Size{Width: DefaultViewportWidth, Height: DefaultViewportHeight},
	})
	if err != nil {
		return fmt.Errorf("browserdrv: launch persistent context: %w", err)
	}

	pages := context.Pages()
	var page playwright.Page
	if len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = context.NewPage()
		if err != nil {
			_ = context.Close()
			return fmt.Errorf("browserdrv: new page: %w", err)
		}
	}
	page.SetDefaultTimeout(DefaultTimeoutMS)

	d.context = context
	d.page = page
	return nil
}

// SetHeadless implements PageDriver by closing and relaunching the
// persistent context against the same profile directory.
func (d *PlaywrightDriver) SetHeadless(_ context.Context, headless bool) error {
	if d.headless == headless {
		return nil
	}
	if d.context != nil {
		_ = d.context.Close()
	}
	d.headless = headless
	return d.launch()
}

// URL implements PageDriver.
func (d *PlaywrightDriver) URL() string {
	if d.page == nil {
		return ""
	}
	return d.page.URL()
}

// Close implements PageDriver.
func (d *PlaywrightDriver) Close() error {
	var errs []error
	if d.context != nil {
		if err := d.context.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.pw != nil {
		if err := d.pw.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("browserdrv: close: %v", errs)
	}
	return nil
}
