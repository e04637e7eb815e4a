package browserdrv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/invisibrow/invisibrow/pkg/types"
)

// MockDriver is a deterministic PageDriver used under UI_TEST=1 and in
// every control-loop unit test. It keeps a single in-memory snapshot that
// tests can seed and that every action mutates or simply echoes back.
type MockDriver struct {
	mu       sync.Mutex
	headless bool
	current  types.PageSnapshot
	closed   bool

	// OnAction, if set, is called with each action's name and argument so
	// tests can assert on the exact sequence performed. Goto, Search, Click
	// and Type report before acting; Wait reports only after its sleep
	// completes, and not at all if the wait is cancelled.
	OnAction func(action, arg string)
}

// NewMockDriver creates a MockDriver seeded with a blank page.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		current: types.PageSnapshot{URL: "about:blank", Title: "blank"},
	}
}

// SetSnapshot lets a test seed the next snapshot the driver will report.
func (m *MockDriver) SetSnapshot(s types.PageSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s
}

func (m *MockDriver) notify(action, arg string) {
	if m.OnAction != nil {
		m.OnAction(action, arg)
	}
}

// Goto implements PageDriver.
func (m *MockDriver) Goto(_ context.Context, url string) (types.PageSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify("goto", url)
	m.current.URL = url
	return m.current, nil
}

// Search implements PageDriver.
func (m *MockDriver) Search(_ context.Context, query string) (types.PageSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify("search", query)
	m.current.URL = "https://www.google.com/search?q=" + query
	return m.current, nil
}

// Click implements PageDriver.
func (m *MockDriver) Click(_ context.Context, elementIndex int) (types.PageSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify("click", fmt.Sprintf("%d", elementIndex))
	if elementIndex < 0 || elementIndex >= len(m.current.InteractiveElements) {
		return types.PageSnapshot{}, fmt.Errorf("browserdrv: mock click: index %d out of range", elementIndex)
	}
	return m.current, nil
}

// Type implements PageDriver.
func (m *MockDriver) Type(_ context.Context, elementIndex int, text string) (types.PageSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify("type", fmt.Sprintf("%d:%s", elementIndex, text))
	if elementIndex < 0 || elementIndex >= len(m.current.InteractiveElements) {
		return types.PageSnapshot{}, fmt.Errorf("browserdrv: mock type: index %d out of range", elementIndex)
	}
	return m.current, nil
}

// Wait implements PageDriver.
func (m *MockDriver) Wait(ctx context.Context, d time.Duration) (types.PageSnapshot, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return types.PageSnapshot{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify("wait", d.String())
	return m.current, nil
}

// Snapshot implements PageDriver.
func (m *MockDriver) Snapshot(_ context.Context) (types.PageSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, nil
}

// SetHeadless implements PageDriver.
func (m *MockDriver) SetHeadless(_ context.Context, headless bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headless = headless
	return nil
}

// URL implements PageDriver.
func (m *MockDriver) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.URL
}

// Close implements PageDriver.
func (m *MockDriver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
