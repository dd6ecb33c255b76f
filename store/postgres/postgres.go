// Package postgres implements cascade.MemoryBackend using PostgreSQL,
// for deployments where several workers share run-to-run memory.
//
// The backend accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/cascade"
)

// Backend persists the memory store as (namespace, key, value) rows
// with JSONB values.
type Backend struct {
	pool  *pgxpool.Pool
	table string
}

// Option configures a PostgreSQL Backend.
type Option func(*Backend)

// WithTable overrides the table name (default "cascade_memory").
func WithTable(name string) Option {
	return func(b *Backend) { b.table = name }
}

var _ cascade.MemoryBackend = (*Backend)(nil)

// New creates a Backend using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Backend {
	b := &Backend{pool: pool, table: "cascade_memory"}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Init creates the memory table. Safe to call multiple times.
func (b *Backend) Init(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value JSONB,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (namespace, key)
	)`, b.table)
	if _, err := b.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("postgres: memory init: %w", err)
	}
	return nil
}

// Load reads the whole table into namespace buckets.
func (b *Backend) Load(ctx context.Context) (map[string]map[string]any, error) {
	rows, err := b.pool.Query(ctx,
		fmt.Sprintf(`SELECT namespace, key, value FROM %s`, b.table))
	if err != nil {
		return nil, fmt.Errorf("postgres: memory load: %w", err)
	}
	defer rows.Close()

	data := make(map[string]map[string]any)
	for rows.Next() {
		var namespace, key string
		var raw []byte
		if err := rows.Scan(&namespace, &key, &raw); err != nil {
			return nil, fmt.Errorf("postgres: memory scan: %w", err)
		}
		bucket, ok := data[namespace]
		if !ok {
			bucket = make(map[string]any)
			data[namespace] = bucket
		}
		var value any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &value); err != nil {
				return nil, fmt.Errorf("postgres: memory decode %s/%s: %w", namespace, key, err)
			}
		}
		bucket[key] = value
	}
	return data, rows.Err()
}

// Save replaces the table contents with data inside one transaction.
func (b *Backend) Save(ctx context.Context, data map[string]map[string]any) error {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres: memory save begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, b.table)); err != nil {
		return fmt.Errorf("postgres: memory save clear: %w", err)
	}

	now := time.Now().UnixMilli()
	batch := &pgx.Batch{}
	insert := fmt.Sprintf(
		`INSERT INTO %s (namespace, key, value, updated_at) VALUES ($1, $2, $3, $4)`, b.table)
	for namespace, bucket := range data {
		for key, value := range bucket {
			raw, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("postgres: memory encode %s/%s: %w", namespace, key, err)
			}
			batch.Queue(insert, namespace, key, raw, now)
		}
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: memory save insert: %w", err)
		}
	}
	return tx.Commit(ctx)
}
