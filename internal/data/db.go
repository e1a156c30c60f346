package data

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps order lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// InitDB opens the SQLite record store at path and runs migrations
func InitDB(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		is_active INTEGER DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS database_targets (
		id TEXT PRIMARY KEY,
		owner_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		engine TEXT NOT NULL,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		username TEXT NOT NULL,
		password_enc TEXT NOT NULL,
		database_name TEXT NOT NULL,
		schema_name TEXT NOT NULL DEFAULT '',
		use_tls INTEGER NOT NULL DEFAULT 0,
		policy TEXT NOT NULL DEFAULT 'strict',
		allowed_tables TEXT, -- JSON array
		tunnel TEXT, -- JSON, secrets stay encrypted
		created_at TEXT NOT NULL,
		FOREIGN KEY(owner_id) REFERENCES users(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_targets_owner ON database_targets(owner_id);

	CREATE TABLE IF NOT EXISTS query_attempts (
		id TEXT PRIMARY KEY,
		owner_id INTEGER NOT NULL,
		target_id TEXT NOT NULL,
		natural_text TEXT NOT NULL,
		generated_sql TEXT NOT NULL,
		explanation TEXT,
		columns TEXT NOT NULL, -- JSON array
		rows TEXT NOT NULL, -- JSON array of objects
		chart TEXT, -- JSON
		truncated INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		FOREIGN KEY(owner_id) REFERENCES users(id) ON DELETE CASCADE,
		FOREIGN KEY(target_id) REFERENCES database_targets(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_owner_created ON query_attempts(owner_id, created_at);

	CREATE TABLE IF NOT EXISTS security_events (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		identity TEXT,
		source TEXT NOT NULL,
		text TEXT,
		reason TEXT,
		severity TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_security_events_timestamp ON security_events(timestamp);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}

func ts(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func isUniqueErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
