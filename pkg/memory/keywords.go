package memory

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

const (
	minTokenLength  = 4
	maxTokensPerCall = 12
)

// ensureSeeded inserts the default keyword set if the table is empty. Also
// called lazily by GetBotKeywords so the never-empty invariant holds even
// if every row is deleted at runtime.
func (s *Store) ensureSeeded() error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM bot_keywords`).Scan(&count); err != nil {
		return fmt.Errorf("memory: count bot_keywords: %w", err)
	}
	if count > 0 {
		return nil
	}
	for _, kw := range defaultBotKeywords {
		if err := s.insertBotKeyword(kw); err != nil {
			return err
		}
	}
	s.bumpVersion()
	return nil
}

// GetBotKeywords returns the full bot-keyword list, re-seeding the default
// set first if the store is empty. The store never returns an empty set.
func (s *Store) GetBotKeywords() ([]string, error) {
	if err := s.ensureSeeded(); err != nil {
		return nil, err
	}
	return s.GetAllBotKeywords()
}

// GetAllBotKeywords returns every stored keyword, for admin use. Unlike
// GetBotKeywords it does not re-seed; call GetBotKeywords for the
// never-empty guarantee.
func (s *Store) GetAllBotKeywords() ([]string, error) {
	rows, err := s.db.Query(`SELECT keyword FROM bot_keywords ORDER BY keyword`)
	if err != nil {
		return nil, fmt.Errorf("memory: list bot_keywords: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var kw string
		if err := rows.Scan(&kw); err != nil {
			return nil, fmt.Errorf("memory: scan bot_keyword: %w", err)
		}
		out = append(out, kw)
	}
	return out, rows.Err()
}

// AddBotKeyword normalizes and inserts kw, skipping empty strings and
// tolerating duplicates. Invalidates the keyword-cache version.
func (s *Store) AddBotKeyword(kw string) error {
	norm := normalizeKeyword(kw)
	if norm == "" {
		return nil
	}
	if err := s.insertBotKeyword(norm); err != nil {
		return err
	}
	s.bumpVersion()
	return nil
}

func (s *Store) insertBotKeyword(kw string) error {
	return withBusyRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO bot_keywords (keyword, created_at) VALUES (?, ?) ON CONFLICT(keyword) DO NOTHING`,
			kw, time.Now().UTC(),
		)
		return err
	})
}

// DeleteBotKeyword removes kw, for admin use. Invalidates the cache version
// regardless of whether the keyword existed.
func (s *Store) DeleteBotKeyword(kw string) error {
	norm := normalizeKeyword(kw)
	err := withBusyRetry(func() error {
		_, err := s.db.Exec(`DELETE FROM bot_keywords WHERE keyword = ?`, norm)
		return err
	})
	if err != nil {
		return fmt.Errorf("memory: delete bot_keyword: %w", err)
	}
	s.bumpVersion()
	return nil
}

// AddBotKeywordsFromText tokenizes text into alphanumeric/CJK runs of
// length >= 4, caps at 12 tokens, dedupes, lowercases, and inserts each as
// a bot keyword. Used by the Watchdog's self-learning path after a
// confirmed intervention.
func (s *Store) AddBotKeywordsFromText(text string) error {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil
	}
	for _, t := range tokens {
		if err := s.insertBotKeyword(t); err != nil {
			return err
		}
	}
	s.bumpVersion()
	return nil
}

// tokenize splits text into lowercase runs of letters/digits (this
// classification covers CJK ideographs, which unicode.IsLetter treats as
// category Lo), keeps those with >= 4 runes, dedupes, and caps at 12.
func tokenize(text string) []string {
	var tokens []string
	seen := make(map[string]bool)

	var cur []rune
	flush := func() {
		if len(cur) >= minTokenLength {
			tok := strings.ToLower(string(cur))
			if !seen[tok] {
				seen[tok] = true
				tokens = append(tokens, tok)
			}
		}
		cur = cur[:0]
	}

	for _, r := range text {
		if len(tokens) >= maxTokensPerCall {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur = append(cur, r)
			continue
		}
		flush()
	}
	flush()

	if len(tokens) > maxTokensPerCall {
		tokens = tokens[:maxTokensPerCall]
	}
	return tokens
}
