package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of *pgxpool.Pool used by Postgres. pgxmock pools
// satisfy it as well.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements KV on a shared PostgreSQL (or CockroachDB) table so a
// session can follow the user across machines.
type Postgres struct {
	q Querier
}

// NewPostgres constructs a store on top of the provided pool.
func NewPostgres(q Querier) *Postgres {
	return &Postgres{q: q}
}

// EnsureSchema creates the kv table when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.q.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS karyon_kv (
            key TEXT PRIMARY KEY,
            value BYTEA NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )
    `); err != nil {
		return fmt.Errorf("ensure karyon_kv table: %w", err)
	}
	return nil
}

// Get loads the value stored under key.
func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.q.QueryRow(ctx, `
        SELECT value
        FROM karyon_kv
        WHERE key = $1
    `, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", key, err)
	}
	return value, nil
}

// Put upserts the value stored under key.
func (p *Postgres) Put(ctx context.Context, key string, value []byte) error {
	_, err := p.q.Exec(ctx, `
        INSERT INTO karyon_kv (key, value, updated_at)
        VALUES ($1, $2, NOW())
        ON CONFLICT (key)
        DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
    `, key, value)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

// Delete removes every listed key in one statement.
func (p *Postgres) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := p.q.Exec(ctx, `
        DELETE FROM karyon_kv
        WHERE key = ANY($1)
    `, keys); err != nil {
		return fmt.Errorf("delete keys: %w", err)
	}
	return nil
}
