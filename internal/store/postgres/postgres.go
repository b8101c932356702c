package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"replistock/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS replistock_kv (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Backend keeps each key as one row. It is meant for a replica whose
// machine already runs Postgres, not as a shared multi-replica database.
type Backend struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Backend, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Backend{db: db}, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := b.db.QueryRowContext(ctx, `SELECT value FROM replistock_kv WHERE key = $1`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return val, nil
}

func (b *Backend) Apply(ctx context.Context, mutations []store.Mutation) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range mutations {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO replistock_kv (key, value, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (key)
			DO UPDATE SET value = EXCLUDED.value, updated_at = now()
		`, m.Key, m.Value)
		if err != nil {
			return fmt.Errorf("write %s: %w", m.Key, err)
		}
	}
	return tx.Commit()
}
