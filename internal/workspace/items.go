package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ItemFilter selects working-memory items for List.
type ItemFilter struct {
	Category        ItemCategory
	Status          ItemStatus
	IncludeArchived bool
	Limit           int
	Offset          int
}

const itemColumns = `id, category, title, content, status, priority, tags, next_action,
	created_at, updated_at, last_touched`

// InsertItem persists a working-memory item.
func (s *Store) InsertItem(ctx context.Context, it *Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, category, title, content, status, priority, tags, next_action,
			created_at, updated_at, last_touched)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, string(it.Category), it.Title, it.Content, string(it.Status), it.Priority,
		marshalJSON(it.Tags), it.NextAction, fmtTime(it.CreatedAt), fmtTime(it.UpdatedAt),
		fmtTime(it.LastTouched))
	if err != nil {
		return fmt.Errorf("failed to insert item: %w", err)
	}
	return nil
}

// GetItem fetches one item by id.
func (s *Store) GetItem(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	return scanItem(row)
}

// UpdateItem rewrites an item row in full from it.
func (s *Store) UpdateItem(ctx context.Context, it *Item) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET category = ?, title = ?, content = ?, status = ?, priority = ?,
			tags = ?, next_action = ?, updated_at = ?, last_touched = ?
		WHERE id = ?`,
		string(it.Category), it.Title, it.Content, string(it.Status), it.Priority,
		marshalJSON(it.Tags), it.NextAction, fmtTime(it.UpdatedAt), fmtTime(it.LastTouched), it.ID)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteItem removes an item row.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListItems returns items matching the filter, priority-desc then
// created-desc. Archived items only appear with IncludeArchived or an
// explicit archived status.
func (s *Store) ListItems(ctx context.Context, f ItemFilter) ([]Item, error) {
	var where []string
	var args []any

	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	} else if !f.IncludeArchived {
		where = append(where, "status != ?")
		args = append(args, string(StatusArchived))
	}

	q := `SELECT ` + itemColumns + ` FROM items`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY priority DESC, created_at DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	} else if f.Offset > 0 {
		q += fmt.Sprintf(" LIMIT -1 OFFSET %d", f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

// CountNonArchivedItems counts items against the plan quota. Archived items
// are excluded by contract.
func (s *Store) CountNonArchivedItems(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM items WHERE status != ?`, string(StatusArchived)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return n, nil
}

func scanItem(row scannable) (*Item, error) {
	var it Item
	var category, status, tags, created, updated, touched string
	err := row.Scan(&it.ID, &category, &it.Title, &it.Content, &status, &it.Priority,
		&tags, &it.NextAction, &created, &updated, &touched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}
	it.Category = ItemCategory(category)
	it.Status = ItemStatus(status)
	it.Tags = unmarshalTags(tags)
	it.CreatedAt = parseTime(created)
	it.UpdatedAt = parseTime(updated)
	it.LastTouched = parseTime(touched)
	return &it, nil
}
