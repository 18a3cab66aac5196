package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MemoryStatus filters list queries.
type MemoryStatus string

const (
	MemoryStatusActive       MemoryStatus = "active"
	MemoryStatusConsolidated MemoryStatus = "consolidated"
	MemoryStatusExpired      MemoryStatus = "expired"
	MemoryStatusAll          MemoryStatus = "all"
)

// MemoryFilter selects and orders memories for List.
type MemoryFilter struct {
	Type   MemoryType
	Tags   []string // any-of, case-insensitive
	Status MemoryStatus
	Sort   string // created_at | relevance | access_count | last_accessed_at
	Limit  int
	Offset int
}

const memoryColumns = `id, content, type, tags, created_at, expires_at, relevance,
	access_count, last_accessed_at, consolidated, consolidated_into, linkages, images`

// InsertMemory persists a memory row.
func (s *Store) InsertMemory(ctx context.Context, m *Memory) error {
	var images any
	if len(m.Images) > 0 {
		images = marshalJSON(m.Images)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, content, type, tags, created_at, expires_at, relevance,
			access_count, last_accessed_at, consolidated, consolidated_into, linkages, images)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Content, string(m.Type), marshalJSON(m.Tags), fmtTime(m.CreatedAt),
		fmtTimePtr(m.ExpiresAt), m.Relevance, m.AccessCount, fmtTimePtr(m.LastAccessedAt),
		boolInt(m.Consolidated), nullIfEmpty(m.ConsolidatedInto), marshalJSON(m.Linkages), images)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

// GetMemory fetches one memory by id.
func (s *Store) GetMemory(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	return scanMemory(row)
}

// UpdateMemory rewrites a memory row in full from m.
func (s *Store) UpdateMemory(ctx context.Context, m *Memory) error {
	var images any
	if len(m.Images) > 0 {
		images = marshalJSON(m.Images)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET content = ?, type = ?, tags = ?, expires_at = ?, relevance = ?,
			access_count = ?, last_accessed_at = ?, consolidated = ?, consolidated_into = ?,
			linkages = ?, images = ?
		WHERE id = ?`,
		m.Content, string(m.Type), marshalJSON(m.Tags), fmtTimePtr(m.ExpiresAt), m.Relevance,
		m.AccessCount, fmtTimePtr(m.LastAccessedAt), boolInt(m.Consolidated),
		nullIfEmpty(m.ConsolidatedInto), marshalJSON(m.Linkages), images, m.ID)
	if err != nil {
		return fmt.Errorf("failed to update memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMemory removes a memory and its access-log rows, in that order, and
// returns the image metadata that was attached so the caller can clean up
// blobs after the fact.
func (s *Store) DeleteMemory(ctx context.Context, id string) ([]ImageMeta, error) {
	m, err := s.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM access_log WHERE memory_id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to delete access log rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to delete memory: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return m.Images, nil
}

// ListMemories returns memories matching the filter.
func (s *Store) ListMemories(ctx context.Context, f MemoryFilter) ([]Memory, error) {
	var where []string
	var args []any

	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}

	now := fmtTime(time.Now())
	switch f.Status {
	case MemoryStatusConsolidated:
		where = append(where, "consolidated = 1")
	case MemoryStatusExpired:
		where = append(where, "expires_at IS NOT NULL AND expires_at <= ?")
		args = append(args, now)
	case MemoryStatusAll:
	default: // active
		where = append(where, "consolidated = 0", "(expires_at IS NULL OR expires_at > ?)")
		args = append(args, now)
	}

	order := "created_at DESC"
	switch f.Sort {
	case "relevance":
		order = "relevance DESC, created_at DESC"
	case "access_count":
		order = "access_count DESC, created_at DESC"
	case "last_accessed_at":
		order = "last_accessed_at DESC"
	case "created_at", "":
	default:
		return nil, fmt.Errorf("invalid sort order %q", f.Sort)
	}

	q := `SELECT ` + memoryColumns + ` FROM memories`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY " + order

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		// Tag filtering happens in-process; tags are a JSON column and
		// comparison is case-insensitive any-of.
		if len(f.Tags) > 0 && !hasAnyTag(m, f.Tags) {
			continue
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Offset/limit after tag filtering so pages are stable.
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []Memory{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ActiveMemories returns all non-consolidated, non-expired memories. This is
// the candidate pool for recall, consolidation, and decay.
func (s *Store) ActiveMemories(ctx context.Context) ([]Memory, error) {
	return s.ListMemories(ctx, MemoryFilter{Status: MemoryStatusActive})
}

// CountMemories counts all memory rows (quota accounting counts everything,
// consolidated targets included).
func (s *Store) CountMemories(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count memories: %w", err)
	}
	return n, nil
}

// CountMemoriesByStatus returns active / consolidated / expired counts for
// the health report.
func (s *Store) CountMemoriesByStatus(ctx context.Context) (active, consolidated, expired int, err error) {
	now := fmtTime(time.Now())
	err = s.db.QueryRowContext(ctx, `
		SELECT
			SUM(CASE WHEN consolidated = 0 AND (expires_at IS NULL OR expires_at > ?) THEN 1 ELSE 0 END),
			SUM(CASE WHEN consolidated = 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN consolidated = 0 AND expires_at IS NOT NULL AND expires_at <= ? THEN 1 ELSE 0 END)
		FROM memories`, now, now).Scan(&nullableInt{&active}, &nullableInt{&consolidated}, &nullableInt{&expired})
	if err != nil {
		err = fmt.Errorf("failed to count memories by status: %w", err)
	}
	return
}

// MarkAccessed increments a memory's access count, refreshes its last-access
// time, and appends an access-log row. Called fire-and-forget after recall.
func (s *Store) MarkAccessed(ctx context.Context, memoryID, query string) error {
	now := fmtTime(time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE memories SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id = ?`, now, memoryID); err != nil {
		return fmt.Errorf("failed to bump access count: %w", err)
	}
	var q any
	if query != "" {
		q = query
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO access_log (memory_id, query, accessed_at) VALUES (?, ?, ?)`,
		memoryID, q, now); err != nil {
		return fmt.Errorf("failed to append access log: %w", err)
	}
	return tx.Commit()
}

// SetRelevance conditionally writes a recomputed relevance. The update only
// lands when the stored value still differs, which keeps the decay worker
// from amplifying writes.
func (s *Store) SetRelevance(ctx context.Context, memoryID string, relevance float64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET relevance = ? WHERE id = ? AND ABS(relevance - ?) > 1e-9`,
		relevance, memoryID, relevance)
	if err != nil {
		return false, fmt.Errorf("failed to set relevance: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MemoriesLinkingTo returns memories whose serialized linkage list mentions
// the target id. Callers must confirm with a structural match; the LIKE scan
// is only a candidate pre-filter.
func (s *Store) MemoriesLinkingTo(ctx context.Context, targetID string) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE linkages LIKE ?`,
		"%"+targetID+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to scan linkages: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ApplyConsolidation atomically inserts the new consolidated memory and its
// consolidation record, and flags every source as consolidated into it. No
// intermediate state is observable.
func (s *Store) ApplyConsolidation(ctx context.Context, newMemory *Memory, record *Consolidation, sourceIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (id, content, type, tags, created_at, expires_at, relevance,
			access_count, last_accessed_at, consolidated, consolidated_into, linkages, images)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, NULL)`,
		newMemory.ID, newMemory.Content, string(newMemory.Type), marshalJSON(newMemory.Tags),
		fmtTime(newMemory.CreatedAt), fmtTimePtr(newMemory.ExpiresAt), newMemory.Relevance,
		newMemory.AccessCount, fmtTimePtr(newMemory.LastAccessedAt), marshalJSON(newMemory.Linkages))
	if err != nil {
		return fmt.Errorf("failed to insert consolidated memory: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO consolidations (id, summary, source_ids, tags, type, method, template_summary, memory_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Summary, marshalJSON(record.SourceIDs), marshalJSON(record.Tags),
		string(record.Type), string(record.Method), record.TemplateSummary, record.MemoryID,
		fmtTime(record.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert consolidation record: %w", err)
	}

	for _, src := range sourceIDs {
		res, err := tx.ExecContext(ctx, `
			UPDATE memories SET consolidated = 1, consolidated_into = ?
			WHERE id = ? AND consolidated = 0`, newMemory.ID, src)
		if err != nil {
			return fmt.Errorf("failed to flag source %s: %w", src, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("source %s: %w", src, ErrNotFound)
		}
	}

	return tx.Commit()
}

func scanMemory(row scannable) (*Memory, error) {
	var m Memory
	var typ, tags, linkages, created string
	var expires, lastAccessed, consolidatedInto, images sql.NullString
	var consolidated int

	err := row.Scan(&m.ID, &m.Content, &typ, &tags, &created, &expires, &m.Relevance,
		&m.AccessCount, &lastAccessed, &consolidated, &consolidatedInto, &linkages, &images)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan memory: %w", err)
	}

	m.Type = MemoryType(typ)
	m.Tags = unmarshalTags(tags)
	m.CreatedAt = parseTime(created)
	m.ExpiresAt = parseTimePtr(expires)
	m.LastAccessedAt = parseTimePtr(lastAccessed)
	m.Consolidated = consolidated != 0
	if consolidatedInto.Valid {
		m.ConsolidatedInto = consolidatedInto.String
	}
	if err := unmarshalInto(linkages, &m.Linkages); err != nil {
		return nil, fmt.Errorf("failed to decode linkages for %s: %w", m.ID, err)
	}
	if images.Valid && images.String != "" {
		if err := unmarshalInto(images.String, &m.Images); err != nil {
			return nil, fmt.Errorf("failed to decode images for %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

func hasAnyTag(m *Memory, tags []string) bool {
	for _, t := range tags {
		if m.HasTag(t) {
			return true
		}
	}
	return false
}

type scannable interface {
	Scan(dest ...any) error
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableInt scans a SUM() that may be NULL on an empty table.
type nullableInt struct{ dst *int }

func (n *nullableInt) Scan(v any) error {
	if v == nil {
		*n.dst = 0
		return nil
	}
	switch x := v.(type) {
	case int64:
		*n.dst = int(x)
	case float64:
		*n.dst = int(x)
	default:
		return fmt.Errorf("unexpected SUM type %T", v)
	}
	return nil
}
