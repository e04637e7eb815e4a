// Package session persists Session records to sessions.json, adapted
// from the teacher's pkg/config atomic temp-file-then-rename write
// pattern and aixgo's map-indexed JSON session store.
package session

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

// ErrNotFound is returned when a session id has no record.
var ErrNotFound = fmt.Errorf("session: not found")

// Store persists and queries Session records.
type Store struct {
	path string
	mu   sync.RWMutex
	data map[string]*types.Session
}

// Open loads path (an array of Session) into memory. A missing file is
// treated as an empty store; the parent directory is created on the
// first write.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: make(map[string]*types.Session)}
	if err := s.load(); err != nil {
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
		return fmt.Errorf("session: read %s: %w", s.path, err)
	}

	var sessions []*types.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return fmt.Errorf("session: parse %s: %w", s.path, err)
	}
	for _, sess := range sessions {
		s.data[sess.ID] = sess
	}
	return nil
}

// save writes the full set back out atomically via a temp-file rename.
func (s *Store) save() error {
	sessions := make([]*types.Session, 0, len(s.data))
	for _, sess := range s.data {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })

	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("session: create dir: %w", err)
		}
	}

	tempPath := s.path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("session: create temp file: %w", err)
	}

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sessions); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("session: encode: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("session: close temp file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("session: rename temp file: %w", err)
	}
	return nil
}

// Create inserts a brand new session with CreatedAt/UpdatedAt set to now.
func (s *Store) Create(name string, headless bool) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	sess := &types.Session{
		ID:        newSessionID(),
		Name:      name,
		Headless:  headless,
		Stats:     types.SessionStats{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.data[sess.ID] = sess
	if err := s.save(); err != nil {
		return nil, err
	}
	return cloneSession(sess), nil
}

// Get returns a copy of the session with id, or ErrNotFound.
func (s *Store) Get(id string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(sess), nil
}

// List returns every session, most-recently-updated first.
func (s *Store) List() ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Session, 0, len(s.data))
	for _, sess := range s.data {
		out = append(out, cloneSession(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Rename updates a session's display name.
func (s *Store) Rename(id, name string) error {
	return s.mutate(id, func(sess *types.Session) {
		sess.Name = name
	})
}

// ToggleHeadless flips a session's headless flag and returns the new value.
func (s *Store) ToggleHeadless(id string) (bool, error) {
	var result bool
	err := s.mutate(id, func(sess *types.Session) {
		sess.Headless = !sess.Headless
		result = sess.Headless
	})
	return result, err
}

// SetVerifying updates the transient isVerifying flag without bumping
// UpdatedAt, since it reflects live intervention state rather than a
// durable edit.
func (s *Store) SetVerifying(id string, verifying bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.data[id]
	if !ok {
		return ErrNotFound
	}
	sess.IsVerifying = verifying
	return s.save()
}

// AppendHistory appends a plain-text summary of a successful task to the
// session's ordered history.
func (s *Store) AppendHistory(id, summary string) error {
	return s.mutate(id, func(sess *types.Session) {
		sess.SessionHistory = append(sess.SessionHistory, summary)
	})
}

// UpdateStats overwrites a session's SessionStats (the caller, typically
// tokenaccounting.Accounting, owns the merge logic).
func (s *Store) UpdateStats(id string, stats types.SessionStats) error {
	return s.mutate(id, func(sess *types.Session) {
		sess.Stats = stats
	})
}

// Delete removes a session permanently. Sessions are never auto-deleted;
// this is the only removal path.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[id]; !ok {
		return ErrNotFound
	}
	delete(s.data, id)
	return s.save()
}

func (s *Store) mutate(id string, fn func(*types.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.data[id]
	if !ok {
		return ErrNotFound
	}
	fn(sess)
	sess.UpdatedAt = time.Now().UTC()
	return s.save()
}

func cloneSession(sess *types.Session) *types.Session {
	clone := *sess
	clone.SessionHistory = append([]string(nil), sess.SessionHistory...)
	return &clone
}

func newSessionID() string {
	return "sess_" + uuid.New().String()
}
