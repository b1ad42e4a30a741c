package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresBackend stores records in PostgreSQL.
type PostgresBackend struct {
	db *sql.DB
}

// PoolOptions sizes the postgres connection pool. Zero fields use defaults.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgres connects to dsn and runs migrations.
func NewPostgres(dsn string, pool PoolOptions) (*PostgresBackend, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 25
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = 10
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	b := &PostgresBackend{db: db}
	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *PostgresBackend) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			tenant TEXT NOT NULL,
			name TEXT NOT NULL,
			value JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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

func (b *PostgresBackend) Put(ctx context.Context, tenant, key string, value []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO kv (tenant, name, value, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT(tenant, name) DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at`,
		tenant, key, string(value), time.Now().UTC())
	return err
}

func (b *PostgresBackend) Delete(ctx context.Context, tenant, key string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM kv WHERE tenant = $1 AND name = $2", tenant, key)
	return err
}

func (b *PostgresBackend) DeleteTenant(ctx context.Context, tenant string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM kv WHERE tenant = $1", tenant)
	return err
}

func (b *PostgresBackend) All(ctx context.Context) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT tenant, name, value::text FROM kv ORDER BY tenant, name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (b *PostgresBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *PostgresBackend) Close() error {
	return b.db.Close()
}
