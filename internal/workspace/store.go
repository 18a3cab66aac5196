package workspace

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	type TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	expires_at TEXT,
	relevance REAL NOT NULL DEFAULT 1.0,
	access_count INTEGER NOT NULL DEFAULT 0,
	last_accessed_at TEXT,
	consolidated INTEGER NOT NULL DEFAULT 0,
	consolidated_into TEXT,
	linkages TEXT NOT NULL DEFAULT '[]',
	images TEXT
);

CREATE TABLE IF NOT EXISTS items (
	id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	title TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	priority INTEGER NOT NULL DEFAULT 0,
	tags TEXT NOT NULL DEFAULT '[]',
	next_action TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	last_touched TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS skip_list (
	id TEXT PRIMARY KEY,
	item TEXT NOT NULL,
	reason TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	added_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS identity_snapshots (
	id TEXT PRIMARY KEY,
	crystal TEXT NOT NULL,
	source_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS consolidations (
	id TEXT PRIMARY KEY,
	summary TEXT NOT NULL,
	source_ids TEXT NOT NULL DEFAULT '[]',
	tags TEXT NOT NULL DEFAULT '[]',
	type TEXT NOT NULL,
	method TEXT NOT NULL,
	template_summary TEXT NOT NULL DEFAULT '',
	memory_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS access_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	memory_id TEXT NOT NULL REFERENCES memories(id),
	query TEXT,
	accessed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
CREATE INDEX IF NOT EXISTS idx_memories_consolidated ON memories(consolidated);
CREATE INDEX IF NOT EXISTS idx_items_category ON items(category);
CREATE INDEX IF NOT EXISTS idx_skip_expires ON skip_list(expires_at);
CREATE INDEX IF NOT EXISTS idx_access_memory ON access_log(memory_id);
`

// Store is one workspace's database handle. Safe for concurrent use; the
// middleware shares one Store per workspace across all requests.
type Store struct {
	db     *sql.DB
	id     string
	name   string
	logger *zap.Logger
}

// Open opens (and migrates) a workspace database at the given locator.
func Open(id, name, url string, logger *zap.Logger) (*Store, error) {
	if url == "" {
		return nil, fmt.Errorf("workspace database URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace database: %w", err)
	}

	// One connection serializes writers; without it the driver returns
	// SQLITE_BUSY immediately when fire-and-forget writes race a request.
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
		return nil, fmt.Errorf("failed to migrate workspace schema: %w", err)
	}

	return &Store{db: db, id: id, name: name, logger: logger}, nil
}

// ID returns the workspace id.
func (s *Store) ID() string { return s.id }

// Name returns the workspace name.
func (s *Store) Name() string { return s.name }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// Tolerate second-precision timestamps written by older rows.
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalInto(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func unmarshalTags(s string) []string {
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil
	}
	return tags
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
