package store

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
)

// PostgresStore keeps the population in a PostgreSQL kv_store row.
type PostgresStore struct {
	sqlKV
}

// NewPostgresStore connects through the pgx stdlib driver and migrates the schema.
func NewPostgresStore(ctx context.Context, dsn, key string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: "postgres", Err: err}
	}
	return newPostgresStore(ctx, db, key)
}

func newPostgresStore(ctx context.Context, db *sql.DB, key string) (*PostgresStore, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: "postgres", Err: err}
	}
	if err := migrateKV(ctx, db, goose.DialectPostgres, "migrations/postgres"); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseMigration{Version: 1, Err: err}
	}
	if key == "" {
		key = DefaultKey
	}
	return &PostgresStore{sqlKV{
		db:       db,
		name:     "postgres",
		key:      key,
		getQuery: `SELECT value::text FROM kv_store WHERE key = $1`,
		putQuery: `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES ($1, $2::jsonb, now())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
		`,
	}}, nil
}

var _ RemoteStore = (*PostgresStore)(nil)
