package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/invisibrow/invisibrow/pkg/types"
)

// Save upserts record by id. Keywords are normalized and comma-joined for
// storage; artifacts are marshaled to JSON.
func (s *Store) Save(record types.MemoryRecord) error {
	keywords := make([]string, 0, len(record.Keywords))
	for _, kw := range record.Keywords {
		if norm := normalizeKeyword(kw); norm != "" {
			keywords = append(keywords, norm)
		}
	}

	artifactsJSON, err := json.Marshal(record.Artifacts)
	if err != nil {
		return fmt.Errorf("memory: marshal artifacts: %w", err)
	}

	ts := record.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return withBusyRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO memories (id, goal, keywords, summary, artifacts, status, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				goal=excluded.goal, keywords=excluded.keywords, summary=excluded.summary,
				artifacts=excluded.artifacts, status=excluded.status, timestamp=excluded.timestamp
		`, record.ID, record.Goal, strings.Join(keywords, ","), record.Summary, string(artifactsJSON), record.Status, ts)
		return err
	})
}

// Search returns up to 5 most-recent successful records whose keyword list
// contains any of the given keywords, via disjunctive LIKE-match.
func (s *Store) Search(keywords []string) ([]types.MemoryRecord, error) {
	if len(keywords) == 0 {
		return nil, nil
	}

	clauses := make([]string, 0, len(keywords))
	args := make([]interface{}, 0, len(keywords)+1)
	for _, kw := range keywords {
		norm := normalizeKeyword(kw)
		if norm == "" {
			continue
		}
		clauses = append(clauses, "keywords LIKE ?")
		args = append(args, "%"+norm+"%")
	}
	if len(clauses) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT id, goal, keywords, summary, artifacts, status, timestamp
		FROM memories
		WHERE status = 'success' AND (%s)
		ORDER BY timestamp DESC
		LIMIT 5
	`, strings.Join(clauses, " OR "))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	defer rows.Close()

	var out []types.MemoryRecord
	for rows.Next() {
		rec, err := scanMemoryRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanMemoryRecord(rows *sql.Rows) (types.MemoryRecord, error) {
	var (
		rec           types.MemoryRecord
		keywordsJoin  string
		artifactsJSON string
	)
	if err := rows.Scan(&rec.ID, &rec.Goal, &keywordsJoin, &rec.Summary, &artifactsJSON, &rec.Status, &rec.Timestamp); err != nil {
		return types.MemoryRecord{}, fmt.Errorf("memory: scan record: %w", err)
	}
	if keywordsJoin != "" {
		rec.Keywords = strings.Split(keywordsJoin, ",")
	}
	if artifactsJSON != "" {
		if err := json.Unmarshal([]byte(artifactsJSON), &rec.Artifacts); err != nil {
			return types.MemoryRecord{}, fmt.Errorf("memory: unmarshal artifacts: %w", err)
		}
	}
	return rec, nil
}
