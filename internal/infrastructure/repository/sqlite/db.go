// Package sqlite stores conversations and cache entries in one embedded
// SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Open creates the parent directory, opens path in WAL mode and applies the
// schema. Write transactions take the database lock up front.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	const query = `
CREATE TABLE IF NOT EXISTS conversation (
	id TEXT PRIMARY KEY,
	messages TEXT NOT NULL DEFAULT '[]',
	docs TEXT
);

CREATE TABLE IF NOT EXISTS cache (
	id TEXT PRIMARY KEY,
	data TEXT NOT NULL DEFAULT '',
	link TEXT,
	category TEXT,
	last_used TEXT NOT NULL,
	time_used INTEGER NOT NULL DEFAULT 0,
	positive_vote INTEGER NOT NULL DEFAULT 0,
	negative_vote INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_cache_last_used ON cache(last_used);
`
	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute sqlite schema: %w", err)
	}
	return nil
}

func inPlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
