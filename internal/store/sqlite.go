package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
)

const sqlitePragmas = "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

// SQLiteStore keeps the population in a SQLite kv_store row.
type SQLiteStore struct {
	sqlKV
}

// NewSQLiteStore opens dbPath in WAL mode and migrates the schema.
func NewSQLiteStore(ctx context.Context, dbPath, key string) (*SQLiteStore, error) {
	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	if err := migrateKV(ctx, db, goose.DialectSQLite3, "migrations/sqlite"); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseMigration{Version: 1, Err: err}
	}
	if key == "" {
		key = DefaultKey
	}
	return &SQLiteStore{sqlKV{
		db:       db,
		name:     "sqlite",
		key:      key,
		getQuery: `SELECT value FROM kv_store WHERE key = ?`,
		putQuery: `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`,
	}}, nil
}

// openSQLite creates the parent directory and opens the database with the
// pragmas every store in this package uses.
func openSQLite(dbPath string) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}

	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dbPath+sep+sqlitePragmas)
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}
	return db, nil
}

var _ RemoteStore = (*SQLiteStore)(nil)
