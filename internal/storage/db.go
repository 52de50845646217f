package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	path       TEXT PRIMARY KEY,
	dir        TEXT NOT NULL,
	leaf       TEXT NOT NULL,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_dir ON documents(dir);
`

// openDB opens (creating if needed) the sqlite database backing a Storage
// rooted at basePath, matching the directory the teacher's flat-file store
// used to write into.
func openDB(basePath string) (*sql.DB, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	dsn := filepath.Join(basePath, "loom.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite serializes writers; one connection avoids SQLITE_BUSY races

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate storage schema: %w", err)
	}

	return db, nil
}
