// Package memory gives the orchestration core its long-term recall store:
// per-task summary records searchable by keyword, and a self-learning
// bot-detection keyword list the Watchdog consults before ever calling an
// LLM. Adapted from the teacher's pkg/storage SQLite store (same
// embedded-schema, WAL-mode, busy-retry shape) but trimmed to the two
// tables this domain needs.
package memory

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed schema.sql
var schemaSQL string

// defaultBotKeywords seeds a fresh store and re-seeds one drained to empty.
// These are the floor the store always guarantees, not a ceiling.
var defaultBotKeywords = []string{
	"captcha",
	"are you a robot",
	"verify you are human",
	"unusual traffic",
	"i'm not a robot",
	"please verify",
	"access denied",
	"suspicious activity",
	"blocked",
	"cloudflare",
	"checking your browser",
	"sign in to continue",
	"log in to continue",
}

// Store is the SQLite-backed MemoryStore.
type Store struct {
	db *sql.DB

	mu      sync.RWMutex
	version uint64 // bumped on every self-learning write; Watchdog caches against this
}

// Open creates the schema (if absent) at path and returns a ready Store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("memory: create db dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("memory: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memory: apply schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.ensureSeeded(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Version returns the current keyword-cache version. The Watchdog compares
// this against the version it last scanned with to decide whether its
// cached keyword list is stale.
func (s *Store) Version() uint64 {
	return atomic.LoadUint64(&s.version)
}

func (s *Store) bumpVersion() {
	atomic.AddUint64(&s.version, 1)
}

func withBusyRetry(fn func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil || !isBusyError(err) || attempt == maxRetries {
			return err
		}
		time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
	}
	return err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}

func normalizeKeyword(kw string) string {
	return strings.ToLower(strings.TrimSpace(kw))
}
