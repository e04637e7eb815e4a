// Package task persists Task records with their embedded step traces to
// tasks.json, mirroring pkg/session's atomic-write JSON store.
package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/invisibrow/invisibrow/pkg/types"
)

// ErrNotFound is returned when a task id has no record.
var ErrNotFound = fmt.Errorf("task: not found")

// restartInterruptedMessage is the fixed reason written into any task
// found in a non-terminal state at load time.
var restartInterruptedMessage = "restart-interrupted: " + types.ErrRestartInterrupted.Error()

// Store persists and queries Task records.
type Store struct {
	path string
	mu   sync.RWMutex
	data map[string]*types.Task
}

// Open loads path (an array of Task) into memory. Any task loaded in
// pending/running status is immediately rewritten to failed with a fixed
// restart-reason and re-saved; this is the only non-idempotent step of
// initialization.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: make(map[string]*types.Task)}
	if err := s.load(); err != nil {
		return nil, err
	}
	if err := s.applyRestartSemantics(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("task: read %s: %w", s.path, err)
	}

	var tasks []*types.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return fmt.Errorf("task: parse %s: %w", s.path, err)
	}
	for _, t := range tasks {
		s.data[t.ID] = t
	}
	return nil
}

func (s *Store) applyRestartSemantics() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirty := false
	now := time.Now().UTC()
	for _, t := range s.data {
		if t.Status == types.TaskStatusPending || t.Status == types.TaskStatusRunning {
			t.Status = types.TaskStatusFailed
			t.Error = restartInterruptedMessage
			t.CompletedAt = &now
			dirty = true
		}
	}
	if !dirty {
		return nil
	}
	return s.save()
}

func (s *Store) save() error {
	tasks := make([]*types.Task, 0, len(s.data))
	for _, t := range s.data {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("task: create dir: %w", err)
		}
	}

	tempPath := s.path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("task: create temp file: %w", err)
	}

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(tasks); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("task: encode: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("task: close temp file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("task: rename temp file: %w", err)
	}
	return nil
}

// Create inserts a new pending task for sessionID with the given goal.
func (s *Store) Create(sessionID, goal string) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &types.Task{
		ID:        "task_" + uuid.New().String(),
		SessionID: sessionID,
		Goal:      goal,
		Status:    types.TaskStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	s.data[t.ID] = t
	if err := s.save(); err != nil {
		return nil, err
	}
	return cloneTask(t), nil
}

// Get returns a copy of the task with id, or ErrNotFound.
func (s *Store) Get(id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

// List returns every task, newest first.
func (s *Store) List() ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Task, 0, len(s.data))
	for _, t := range s.data {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListBySession returns every task belonging to sessionID, newest first.
func (s *Store) ListBySession(sessionID string) ([]*types.Task, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]*types.Task, 0, len(all))
	for _, t := range all {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

// SetRunning transitions a task to running.
func (s *Store) SetRunning(id string) error {
	return s.mutate(id, func(t *types.Task) error {
		if t.Status.IsTerminal() {
			return fmt.Errorf("task: %s already terminal (%s)", id, t.Status)
		}
		t.Status = types.TaskStatusRunning
		return nil
	})
}

// Complete sets a task's terminal status. status must be one of completed,
// failed, cancelled; CompletedAt is set iff the resulting status is
// terminal, and a task's terminal status is set at most once.
func (s *Store) Complete(id string, status types.TaskStatus, result, url, taskErr string) error {
	return s.mutate(id, func(t *types.Task) error {
		if t.Status.IsTerminal() {
			return fmt.Errorf("task: %s terminal status already set to %s", id, t.Status)
		}
		if !status.IsTerminal() {
			return fmt.Errorf("task: Complete called with non-terminal status %s", status)
		}
		t.Status = status
		t.Result = result
		t.URL = url
		t.Error = taskErr
		now := time.Now().UTC()
		t.CompletedAt = &now
		return nil
	})
}

// AppendStep appends a TaskStep and folds its token usage into the task's
// aggregate.
func (s *Store) AppendStep(id string, step types.TaskStep) error {
	return s.mutate(id, func(t *types.Task) error {
		t.Steps = append(t.Steps, step)
		if step.TokenUsage != nil {
			t.TokenUsage.Add(*step.TokenUsage)
		}
		return nil
	})
}

func (s *Store) mutate(id string, fn func(*types.Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.data[id]
	if !ok {
		return ErrNotFound
	}
	if err := fn(t); err != nil {
		return err
	}
	return s.save()
}

func cloneTask(t *types.Task) *types.Task {
	clone := *t
	clone.Steps = append([]types.TaskStep(nil), t.Steps...)
	if t.CompletedAt != nil {
		completedAt := *t.CompletedAt
		clone.CompletedAt = &completedAt
	}
	return &clone
}
