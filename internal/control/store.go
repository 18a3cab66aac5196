package control

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/scrypster/memento/internal/ids"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	plan TEXT NOT NULL DEFAULT 'free',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	hash TEXT NOT NULL UNIQUE,
	prefix TEXT NOT NULL,
	created_at TEXT NOT NULL,
	revoked_at TEXT,
	last_used_at TEXT
);

CREATE TABLE IF NOT EXISTS workspaces (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	name TEXT NOT NULL,
	db_url TEXT NOT NULL,
	db_token TEXT NOT NULL DEFAULT '',
	encrypted_key TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	UNIQUE(user_id, name)
);

CREATE INDEX IF NOT EXISTS idx_credentials_user ON credentials(user_id);
CREATE INDEX IF NOT EXISTS idx_workspaces_user ON workspaces(user_id);
`

// Store is the control store over a SQLite database.
//
// The *sql.DB handle is safe for concurrent use; every method takes a context
// so callers control deadlines.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (and migrates) the control database at the given locator.
func Open(url string, logger *zap.Logger) (*Store, error) {
	if url == "" {
		return nil, fmt.Errorf("control database URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open control database: %w", err)
	}

	// One connection serializes writers; without it the driver returns
	// SQLITE_BUSY immediately when the async credential touch races the
	// next request's credential lookup.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to migrate control schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateUser inserts a user and their first credential in one transaction.
func (s *Store) CreateUser(ctx context.Context, email, name, plan, credentialHash, credentialPrefix string) (*User, *Credential, error) {
	now := time.Now().UTC()
	user := &User{
		ID:        ids.New("usr"),
		Email:     email,
		Name:      name,
		Plan:      plan,
		CreatedAt: now,
	}
	cred := &Credential{
		ID:        ids.New("cred"),
		UserID:    user.ID,
		Hash:      credentialHash,
		Prefix:    credentialPrefix,
		CreatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, email, name, plan, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.Name, user.Plan, fmtTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, ErrEmailTaken
		}
		return nil, nil, fmt.Errorf("failed to insert user: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO credentials (id, user_id, hash, prefix, created_at) VALUES (?, ?, ?, ?, ?)`,
		cred.ID, cred.UserID, cred.Hash, cred.Prefix, fmtTime(now))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit: %w", err)
	}
	return user, cred, nil
}

// Authenticate resolves a credential hash to its owning user. Revoked
// credentials return ErrCredentialRevoked, unknown hashes ErrNotFound.
func (s *Store) Authenticate(ctx context.Context, hash string) (*User, *Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.user_id, c.hash, c.prefix, c.created_at, c.revoked_at, c.last_used_at,
		       u.id, u.email, u.name, u.plan, u.created_at
		FROM credentials c JOIN users u ON u.id = c.user_id
		WHERE c.hash = ?`, hash)

	var cred Credential
	var user User
	var credCreated, userCreated string
	var revoked, lastUsed sql.NullString
	err := row.Scan(&cred.ID, &cred.UserID, &cred.Hash, &cred.Prefix, &credCreated, &revoked, &lastUsed,
		&user.ID, &user.Email, &user.Name, &user.Plan, &userCreated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up credential: %w", err)
	}

	cred.CreatedAt = parseTime(credCreated)
	user.CreatedAt = parseTime(userCreated)
	if revoked.Valid {
		t := parseTime(revoked.String)
		cred.RevokedAt = &t
		return nil, nil, ErrCredentialRevoked
	}
	if lastUsed.Valid {
		t := parseTime(lastUsed.String)
		cred.LastUsedAt = &t
	}
	return &user, &cred, nil
}

// TouchCredential updates a credential's last-used timestamp. Called
// fire-and-forget from the auth middleware.
func (s *Store) TouchCredential(ctx context.Context, credentialID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET last_used_at = ? WHERE id = ?`,
		fmtTime(time.Now().UTC()), credentialID)
	if err != nil {
		return fmt.Errorf("failed to touch credential: %w", err)
	}
	return nil
}

// RevokeCredential marks a credential revoked.
func (s *Store) RevokeCredential(ctx context.Context, credentialID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET revoked_at = ? WHERE id = ?`,
		fmtTime(time.Now().UTC()), credentialID)
	if err != nil {
		return fmt.Errorf("failed to revoke credential: %w", err)
	}
	return nil
}

// CreateWorkspace registers a workspace row. The (user, name) pair is unique.
func (s *Store) CreateWorkspace(ctx context.Context, userID, name, dbURL, dbToken string) (*Workspace, error) {
	ws := &Workspace{
		ID:        ids.New("ws"),
		UserID:    userID,
		Name:      name,
		DBURL:     dbURL,
		DBToken:   dbToken,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, user_id, name, db_url, db_token, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ws.ID, ws.UserID, ws.Name, ws.DBURL, ws.DBToken, fmtTime(ws.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrWorkspaceExists
		}
		return nil, fmt.Errorf("failed to insert workspace: %w", err)
	}
	return ws, nil
}

// GetWorkspace resolves a workspace by owner and name.
func (s *Store) GetWorkspace(ctx context.Context, userID, name string) (*Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, db_url, db_token, encrypted_key, created_at
		FROM workspaces WHERE user_id = ? AND name = ?`, userID, name)
	return scanWorkspace(row)
}

// GetWorkspaceByID resolves a workspace by id, scoped to its owner.
func (s *Store) GetWorkspaceByID(ctx context.Context, userID, id string) (*Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, db_url, db_token, encrypted_key, created_at
		FROM workspaces WHERE user_id = ? AND id = ?`, userID, id)
	return scanWorkspace(row)
}

// ListWorkspaces returns all workspaces owned by a user, oldest first.
func (s *Store) ListWorkspaces(ctx context.Context, userID string) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, db_url, db_token, encrypted_key, created_at
		FROM workspaces WHERE user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ws)
	}
	return out, rows.Err()
}

// AllWorkspaces returns every registered workspace. Used by the decay
// worker's periodic sweep.
func (s *Store) AllWorkspaces(ctx context.Context) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, db_url, db_token, encrypted_key, created_at
		FROM workspaces ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ws)
	}
	return out, rows.Err()
}

// CountWorkspaces returns the number of workspaces a user owns.
func (s *Store) CountWorkspaces(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workspaces WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count workspaces: %w", err)
	}
	return n, nil
}

// DeleteWorkspace removes a workspace registry row.
func (s *Store) DeleteWorkspace(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workspaces WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("failed to delete workspace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// WrappedKey implements crypto.WrappedKeyStore.
func (s *Store) WrappedKey(ctx context.Context, workspaceID string) (string, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT encrypted_key FROM workspaces WHERE id = ?`, workspaceID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read wrapped key: %w", err)
	}
	return blob, nil
}

// SetWrappedKey implements crypto.WrappedKeyStore.
func (s *Store) SetWrappedKey(ctx context.Context, workspaceID, blob string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET encrypted_key = ? WHERE id = ?`, blob, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to store wrapped key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanWorkspace(row scannable) (*Workspace, error) {
	var ws Workspace
	var created string
	err := row.Scan(&ws.ID, &ws.UserID, &ws.Name, &ws.DBURL, &ws.DBToken, &ws.EncryptedKey, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workspace: %w", err)
	}
	ws.CreatedAt = parseTime(created)
	return &ws, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
