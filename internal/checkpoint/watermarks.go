package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WatermarkStore persists per-table capture watermarks so a restarted
// poller resumes where it left off instead of skipping the downtime
// window.
type WatermarkStore struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

// NewWatermarkStore returns a store writing to schema.table.
func NewWatermarkStore(pool *pgxpool.Pool, schema, table string) *WatermarkStore {
	if schema == "" {
		schema = "pgdrift"
	}
	if table == "" {
		table = "watermarks"
	}
	return &WatermarkStore{pool: pool, schema: schema, table: table}
}

func (s *WatermarkStore) ident() string {
	return pgx.Identifier{s.schema, s.table}.Sanitize()
}

// Ensure creates the watermark table if it does not exist.
func (s *WatermarkStore) Ensure(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx,
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{s.schema}.Sanitize())); err != nil {
		return fmt.Errorf("create watermark schema: %w", err)
	}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  table_name TEXT PRIMARY KEY,
  last_processed TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.ident())
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create watermark table: %w", err)
	}
	return nil
}

// Load returns all persisted watermarks.
func (s *WatermarkStore) Load(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf("SELECT table_name, last_processed FROM %s", s.ident()))
	if err != nil {
		return nil, fmt.Errorf("load watermarks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var table string
		var ts time.Time
		if err := rows.Scan(&table, &ts); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		out[table] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watermarks: %w", err)
	}
	return out, nil
}

// Save upserts one table's watermark. The GREATEST guard keeps the
// persisted value monotonic even if writers race.
func (s *WatermarkStore) Save(ctx context.Context, table string, ts time.Time) error {
	query := fmt.Sprintf(`INSERT INTO %s (table_name, last_processed, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (table_name)
DO UPDATE SET last_processed = GREATEST(%s.last_processed, EXCLUDED.last_processed), updated_at = now()`,
		s.ident(), s.ident())
	if _, err := s.pool.Exec(ctx, query, table, ts); err != nil {
		return fmt.Errorf("save watermark for %s: %w", table, err)
	}
	return nil
}
