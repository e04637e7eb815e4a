// Package browseragent owns the per-session (driver, Executor) pair and
// its lazy construction/teardown, grounded on the teacher's
// pkg/tools/browser.SessionManager (name-keyed map of live browser
// resources guarded by one mutex, with explicit Start/Close lifecycle).
// Where the teacher keys sessions by an arbitrary caller-chosen name and
// launches a fresh (non-persistent) context per start, browseragent keys
// by session id and launches a persistent context rooted at that
// session's profile directory, so logged-in state survives restarts and
// the headless toggle.
package browseragent

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/invisibrow/invisibrow/pkg/browserdrv"
	"github.com/invisibrow/invisibrow/pkg/executor"
	"github.com/invisibrow/invisibrow/pkg/llm"
	"github.com/invisibrow/invisibrow/pkg/watchdog"
)

// DriverFactory constructs a PageDriver for a session's profile
// directory. Swappable for browserdrv.NewPlaywrightDriver in production
// or a MockDriver constructor under UI_TEST=1.
type DriverFactory func(ctx context.Context, profileDir string, headless bool) (browserdrv.PageDriver, error)

type entry struct {
	mu       sync.Mutex // serializes this session's driver/executor use, per spec §5/§9
	driver   browserdrv.PageDriver
	executor *executor.Executor
	headless bool
}

// Manager is the planner.ExecutorFactory implementation: it lazily
// builds one (driver, Executor) pair per session id. ForSession rebuilds
// the pair when the requested headless mode differs from the cached one;
// SetHeadless instead restarts the existing driver in place on the same
// profile directory, keeping the cached Executor.
type Manager struct {
	storageDir string
	newDriver  DriverFactory
	watchdog   *watchdog.Watchdog
	chat       llm.ChatClient
	model      string

	mu       sync.Mutex
	sessions map[string]*entry
}

// New constructs a Manager. storageDir is the root under which each
// session gets a "session/<id>/" profile subdirectory.
func New(storageDir string, newDriver DriverFactory, wd *watchdog.Watchdog, chat llm.ChatClient, model string) *Manager {
	return &Manager{
		storageDir: storageDir,
		newDriver:  newDriver,
		watchdog:   wd,
		chat:       chat,
		model:      model,
		sessions:   make(map[string]*entry),
	}
}

// ForSession returns the session's Executor, constructing its driver on
// first use or after a headless-mode change.
func (m *Manager) ForSession(ctx context.Context, sessionID string, headless bool) (*executor.Executor, error) {
	e, err := m.entryFor(sessionID, headless)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.executor == nil || e.headless != headless {
		if err := m.rebuild(ctx, e, sessionID, headless); err != nil {
			return nil, err
		}
	}
	return e.executor, nil
}

// SetHeadless toggles a session's driver to headless, restarting it
// against the same profile directory so cookies and logged-in state
// survive the switch. A no-op if the driver is already in that mode.
func (m *Manager) SetHeadless(ctx context.Context, sessionID string, headless bool) error {
	e, err := m.entryFor(sessionID, headless)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.driver == nil {
		return m.rebuild(ctx, e, sessionID, headless)
	}
	if e.headless == headless {
		return nil
	}
	if err := e.driver.SetHeadless(ctx, headless); err != nil {
		return fmt.Errorf("browseragent: set headless: %w", err)
	}
	e.headless = headless
	return nil
}

func (m *Manager) entryFor(sessionID string, headless bool) (*entry, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("browseragent: empty session id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		e = &entry{headless: headless}
		m.sessions[sessionID] = e
	}
	return e, nil
}

// rebuild must be called with e.mu held.
func (m *Manager) rebuild(ctx context.Context, e *entry, sessionID string, headless bool) error {
	if e.driver != nil {
		_ = e.driver.Close()
	}

	profileDir := filepath.Join(m.storageDir, "session", sessionID)
	driver, err := m.newDriver(ctx, profileDir, headless)
	if err != nil {
		return fmt.Errorf("browseragent: build driver for session %s: %w", sessionID, err)
	}

	e.driver = driver
	e.headless = headless
	e.executor = executor.New(driver, m.watchdog, m.chat, m.model)
	return nil
}

// Close releases every live session's driver. Intended for process
// shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for id, e := range m.sessions {
		e.mu.Lock()
		if e.driver != nil {
			if err := e.driver.Close(); err != nil {
				errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			}
		}
		e.mu.Unlock()
	}
	if len(errs) > 0 {
		return fmt.Errorf("browseragent: close: %v", errs)
	}
	return nil
}
