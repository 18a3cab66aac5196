package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Setting returns one workspace setting value, or "" when unset.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts one workspace setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// DeleteSetting removes one workspace setting. Deleting an unset key is not
// an error.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

// AllSettings returns the full key->value map.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// FloatSetting parses a float setting in [0,1], falling back to def when the
// key is unset or unparseable.
func (s *Store) FloatSetting(ctx context.Context, key string, def float64) float64 {
	raw, err := s.Setting(ctx, key)
	if err != nil || raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		return def
	}
	return v
}

// CountAccessLog returns the total number of access-log rows.
func (s *Store) CountAccessLog(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM access_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count access log: %w", err)
	}
	return n, nil
}

// CountAccessLogFor returns the number of access-log rows for one memory.
func (s *Store) CountAccessLogFor(ctx context.Context, memoryID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM access_log WHERE memory_id = ?`, memoryID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count access log rows: %w", err)
	}
	return n, nil
}

// RecentConsolidations returns consolidation records newest first.
func (s *Store) RecentConsolidations(ctx context.Context, limit int) ([]Consolidation, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, summary, source_ids, tags, type, method, template_summary, memory_id, created_at
		FROM consolidations ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list consolidations: %w", err)
	}
	defer rows.Close()

	var out []Consolidation
	for rows.Next() {
		var c Consolidation
		var sourceIDs, tags, typ, method, created string
		if err := rows.Scan(&c.ID, &c.Summary, &sourceIDs, &tags, &typ, &method,
			&c.TemplateSummary, &c.MemoryID, &created); err != nil {
			return nil, fmt.Errorf("failed to scan consolidation: %w", err)
		}
		c.SourceIDs = unmarshalTags(sourceIDs)
		c.Tags = unmarshalTags(tags)
		c.Type = ConsolidationType(typ)
		c.Method = SynthesisMethod(method)
		c.CreatedAt = parseTime(created)
		out = append(out, c)
	}
	return out, rows.Err()
}
