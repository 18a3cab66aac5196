package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertSkipEntry persists a skip-list entry.
func (s *Store) InsertSkipEntry(ctx context.Context, e *SkipEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skip_list (id, item, reason, expires_at, added_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Item, e.Reason, fmtTime(e.ExpiresAt), fmtTime(e.AddedAt))
	if err != nil {
		return fmt.Errorf("failed to insert skip entry: %w", err)
	}
	return nil
}

// PurgeExpiredSkips deletes rows whose expiration has passed. Every read
// path on the skip list calls this first.
func (s *Store) PurgeExpiredSkips(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM skip_list WHERE expires_at <= ?`, fmtTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to purge skip list: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListSkipEntries returns all active entries, newest first, after purging.
func (s *Store) ListSkipEntries(ctx context.Context) ([]SkipEntry, error) {
	if _, err := s.PurgeExpiredSkips(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item, reason, expires_at, added_at FROM skip_list ORDER BY added_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list skip entries: %w", err)
	}
	defer rows.Close()

	var out []SkipEntry
	for rows.Next() {
		var e SkipEntry
		var expires, added string
		if err := rows.Scan(&e.ID, &e.Item, &e.Reason, &expires, &added); err != nil {
			return nil, fmt.Errorf("failed to scan skip entry: %w", err)
		}
		e.ExpiresAt = parseTime(expires)
		e.AddedAt = parseTime(added)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteSkipEntry removes one entry by id.
func (s *Store) DeleteSkipEntry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM skip_list WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete skip entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountSkipEntries counts active rows without purging (health report).
func (s *Store) CountSkipEntries(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM skip_list WHERE expires_at > ?`, fmtTime(time.Now())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count skip entries: %w", err)
	}
	return n, nil
}

// InsertIdentitySnapshot appends to the identity log.
func (s *Store) InsertIdentitySnapshot(ctx context.Context, snap *IdentitySnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_snapshots (id, crystal, source_count, created_at) VALUES (?, ?, ?, ?)`,
		snap.ID, snap.Crystal, snap.SourceCount, fmtTime(snap.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert identity snapshot: %w", err)
	}
	return nil
}

// LatestIdentitySnapshot returns the most recent snapshot.
func (s *Store) LatestIdentitySnapshot(ctx context.Context) (*IdentitySnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, crystal, source_count, created_at FROM identity_snapshots
		ORDER BY created_at DESC LIMIT 1`)
	return scanSnapshot(row)
}

// IdentityHistory returns snapshots newest first.
func (s *Store) IdentityHistory(ctx context.Context, limit int) ([]IdentitySnapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, crystal, source_count, created_at FROM identity_snapshots
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list identity history: %w", err)
	}
	defer rows.Close()

	var out []IdentitySnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

func scanSnapshot(row scannable) (*IdentitySnapshot, error) {
	var snap IdentitySnapshot
	var created string
	err := row.Scan(&snap.ID, &snap.Crystal, &snap.SourceCount, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan identity snapshot: %w", err)
	}
	snap.CreatedAt = parseTime(created)
	return &snap, nil
}
