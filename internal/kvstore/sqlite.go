package kvstore

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

// SQLiteBackend stores records in a SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at dsn and runs migrations.
// maxOpen caps the connection pool; 0 means a single connection, which keeps
// writers from contending for the database lock.
func NewSQLite(dsn string, maxOpen int) (*SQLiteBackend, error) {
	// Shared cache lets every pooled connection see the same in-memory database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	} else if !strings.HasPrefix(dsn, "file:") {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if maxOpen <= 0 {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			tenant TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tenant, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kv_tenant ON kv(tenant)`,
	}
	for _, m := range migrations {
		if _, err := b.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (b *SQLiteBackend) Put(ctx context.Context, tenant, key string, value []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO kv (tenant, name, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(tenant, name) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		tenant, key, string(value), time.Now().UTC())
	return err
}

func (b *SQLiteBackend) Delete(ctx context.Context, tenant, key string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM kv WHERE tenant = ? AND name = ?", tenant, key)
	return err
}

func (b *SQLiteBackend) DeleteTenant(ctx context.Context, tenant string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM kv WHERE tenant = ?", tenant)
	return err
}

func (b *SQLiteBackend) All(ctx context.Context) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT tenant, name, value FROM kv ORDER BY tenant, name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (b *SQLiteBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var (
			r     Record
			value string
		)
		if err := rows.Scan(&r.Tenant, &r.Key, &value); err != nil {
			return nil, err
		}
		r.Value = []byte(value)
		out = append(out, r)
	}
	return out, rows.Err()
}
