package kv

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is a Postgres-backed Store using a single (key text primary key,
// value bytea) table. cmd/gated uses it to give the registry and credential
// store a durable, multi-replica-safe backing when DATABASE_URL is set.
type PGStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPGStore returns a Store backed by table in pool. The table must already
// exist with the shape (key text primary key, value bytea not null).
func NewPGStore(pool *pgxpool.Pool, table string) *PGStore {
	return &PGStore{pool: pool, table: table}
}

// EnsureTable creates the backing table if it does not already exist.
func (s *PGStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		key text PRIMARY KEY,
		value bytea NOT NULL
	)`)
	return err
}

func (s *PGStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM `+s.table+` WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *PGStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.table+` (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return err
}

func (s *PGStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE key = $1`, key)
	return err
}

func (s *PGStore) List(ctx context.Context, prefix string) ([]string, error) {
	escaped := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(prefix)
	rows, err := s.pool.Query(ctx, `SELECT key FROM `+s.table+` WHERE key LIKE $1 ESCAPE '\' ORDER BY key`, escaped+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
