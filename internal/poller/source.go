package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/fangqiank/pgdrift/internal/cdc"
)

// ErrUnsupportedShape marks a table with neither a last-modified nor a
// creation-timestamp column; such tables cannot be polled.
var ErrUnsupportedShape = errors.New("table has no recognized change-tracking columns")

// recognized change-tracking column names, probed in order.
var (
	modifiedColumns = []string{"updated_at", "modified_at", "last_modified", "updatedat", "lastmodified"}
	createdColumns  = []string{"created_at", "createdat", "inserted_at"}
)

// TableSource resolves table names and scans row changes since a
// watermark. The pgx implementation lives here; the poller only sees this
// interface.
type TableSource interface {
	// Resolve probes case variants of name against the catalog and
	// returns the physical identifier, or ok=false when no variant
	// exists.
	Resolve(ctx context.Context, name string) (string, bool, error)
	// Changes returns events for rows mutated after since, ordered by
	// event time ascending.
	Changes(ctx context.Context, table string, since time.Time) ([]cdc.ChangeEvent, error)
}

type tableShape struct {
	created  string
	modified string
	keys     []string
}

// PgSource implements TableSource over a pgx pool. It keeps a per-table
// cache of the last row image seen per primary key so updates carry a
// synthetic before snapshot (last-write-wins within a poll cycle).
type PgSource struct {
	pool       *pgxpool.Pool
	schemaName string
	logger     *logrus.Logger

	shapes   map[string]tableShape
	rowCache map[string]map[string]map[string]any
}

// NewPgSource returns a change source scanning tables in the given schema.
func NewPgSource(pool *pgxpool.Pool, schemaName string, logger *logrus.Logger) *PgSource {
	if schemaName == "" {
		schemaName = "public"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PgSource{
		pool:       pool,
		schemaName: schemaName,
		logger:     logger,
		shapes:     make(map[string]tableShape),
		rowCache:   make(map[string]map[string]map[string]any),
	}
}

// Resolve probes the configured name, lowercase, uppercase and capitalized
// variants against information_schema and returns the first match.
func (s *PgSource) Resolve(ctx context.Context, name string) (string, bool, error) {
	for _, candidate := range candidateNames(name) {
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (
  SELECT 1 FROM information_schema.tables
  WHERE table_schema = $1 AND table_name = $2 AND table_type = 'BASE TABLE')`,
			s.schemaName, candidate).Scan(&exists)
		if err != nil {
			return "", false, fmt.Errorf("probe table %s: %w", candidate, err)
		}
		if exists {
			return candidate, true, nil
		}
	}
	return "", false, nil
}

// candidateNames returns the case variants probed during resolution:
// as-given, lower, upper, capitalized. Duplicates are removed, order kept.
func candidateNames(name string) []string {
	variants := []string{
		name,
		strings.ToLower(name),
		strings.ToUpper(name),
		capitalize(name),
	}
	seen := make(map[string]struct{}, len(variants))
	out := make([]string, 0, len(variants))
	for _, variant := range variants {
		if variant == "" {
			continue
		}
		if _, ok := seen[variant]; ok {
			continue
		}
		seen[variant] = struct{}{}
		out = append(out, variant)
	}
	return out
}

func capitalize(name string) string {
	if name == "" {
		return ""
	}
	return strings.ToUpper(name[:1]) + strings.ToLower(name[1:])
}

// Changes scans rows mutated after since. Tables with a last-modified
// column produce inserts and updates; tables with only a creation
// timestamp fall back to insert-only capture.
func (s *PgSource) Changes(ctx context.Context, table string, since time.Time) ([]cdc.ChangeEvent, error) {
	shape, err := s.shape(ctx, table)
	if err != nil {
		return nil, err
	}

	var events []cdc.ChangeEvent
	if shape.created != "" {
		inserts, err := s.scanInserts(ctx, table, shape, since)
		if err != nil {
			return nil, err
		}
		events = append(events, inserts...)
	}
	if shape.modified != "" {
		updates, err := s.scanUpdates(ctx, table, shape, since)
		if err != nil {
			return nil, err
		}
		events = append(events, updates...)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].EventTime.Before(events[j].EventTime)
	})
	return events, nil
}

func (s *PgSource) shape(ctx context.Context, table string) (tableShape, error) {
	if shape, ok := s.shapes[table]; ok {
		return shape, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns
 WHERE table_schema = $1 AND table_name = $2`,
		s.schemaName, table)
	if err != nil {
		return tableShape{}, fmt.Errorf("load columns for %s: %w", table, err)
	}
	defer rows.Close()

	columns := make(map[string]string)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return tableShape{}, fmt.Errorf("scan column: %w", err)
		}
		columns[strings.ToLower(name)] = name
	}
	if err := rows.Err(); err != nil {
		return tableShape{}, fmt.Errorf("iterate columns: %w", err)
	}

	shape := tableShape{}
	for _, candidate := range createdColumns {
		if name, ok := columns[candidate]; ok {
			shape.created = name
			break
		}
	}
	for _, candidate := range modifiedColumns {
		if name, ok := columns[candidate]; ok {
			shape.modified = name
			break
		}
	}
	if shape.created == "" && shape.modified == "" {
		return tableShape{}, fmt.Errorf("table %s: %w", table, ErrUnsupportedShape)
	}

	keys, err := s.primaryKey(ctx, table)
	if err != nil {
		return tableShape{}, err
	}
	shape.keys = keys

	s.shapes[table] = shape
	return shape, nil
}

func (s *PgSource) primaryKey(ctx context.Context, table string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT a.attname
 FROM pg_index i
 JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
 WHERE i.indrelid = $1::regclass AND i.indisprimary
 ORDER BY a.attnum`,
		pgx.Identifier{s.schemaName, table}.Sanitize())
	if err != nil {
		return nil, fmt.Errorf("load primary key for %s: %w", table, err)
	}
	defer rows.Close()

	keys := make([]string, 0, 2)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan primary key column: %w", err)
		}
		keys = append(keys, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate primary key columns: %w", err)
	}
	return keys, nil
}

func (s *PgSource) scanInserts(ctx context.Context, table string, shape tableShape, since time.Time) ([]cdc.ChangeEvent, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s > $1 ORDER BY %s ASC",
		pgx.Identifier{s.schemaName, table}.Sanitize(),
		pgx.Identifier{shape.created}.Sanitize(),
		pgx.Identifier{shape.created}.Sanitize())
	raw, err := s.scanRows(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("scan inserts for %s: %w", table, err)
	}

	events := make([]cdc.ChangeEvent, 0, len(raw))
	for _, row := range raw {
		formatted := cdc.FormatRow(row)
		events = append(events, cdc.ChangeEvent{
			Operation:  cdc.OpInsert,
			SchemaName: s.schemaName,
			TableName:  table,
			After:      formatted,
			EventTime:  rowTime(row, shape.created),
		})
		s.remember(table, shape, row, formatted)
	}
	return events, nil
}

// scanUpdates detects rows whose last-modified timestamp advanced past the
// watermark after their creation. The before image is the previous row
// version seen by this source; multiple updates within one poll interval
// coalesce into a single before/after pair.
func (s *PgSource) scanUpdates(ctx context.Context, table string, shape tableShape, since time.Time) ([]cdc.ChangeEvent, error) {
	ident := pgx.Identifier{s.schemaName, table}.Sanitize()
	modified := pgx.Identifier{shape.modified}.Sanitize()

	var query string
	if shape.created != "" {
		created := pgx.Identifier{shape.created}.Sanitize()
		query = fmt.Sprintf(
			"SELECT * FROM %s WHERE %s > $1 AND %s <= $1 AND %s > %s ORDER BY %s ASC",
			ident, modified, created, modified, created, modified)
	} else {
		query = fmt.Sprintf("SELECT * FROM %s WHERE %s > $1 ORDER BY %s ASC", ident, modified, modified)
	}
	raw, err := s.scanRows(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("scan updates for %s: %w", table, err)
	}

	events := make([]cdc.ChangeEvent, 0, len(raw))
	for _, row := range raw {
		formatted := cdc.FormatRow(row)
		before := s.previous(table, shape, row)
		events = append(events, cdc.ChangeEvent{
			Operation:      cdc.OpUpdate,
			SchemaName:     s.schemaName,
			TableName:      table,
			Before:         before,
			After:          formatted,
			EventTime:      rowTime(row, shape.modified),
			ChangedColumns: cdc.DiffColumns(before, formatted),
		})
		s.remember(table, shape, row, formatted)
	}
	return events, nil
}

func (s *PgSource) scanRows(ctx context.Context, query string, since time.Time) ([]map[string]any, error) {
	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := make([]map[string]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row values: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, field := range fields {
			row[field.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PgSource) cacheKey(shape tableShape, row map[string]any) (string, bool) {
	if len(shape.keys) == 0 {
		return "", false
	}
	parts := make([]string, 0, len(shape.keys))
	for _, key := range shape.keys {
		value, ok := row[key]
		if !ok {
			return "", false
		}
		parts = append(parts, fmt.Sprintf("%v", value))
	}
	return strings.Join(parts, "|"), true
}

func (s *PgSource) remember(table string, shape tableShape, row, formatted map[string]any) {
	key, ok := s.cacheKey(shape, row)
	if !ok {
		return
	}
	cache, ok := s.rowCache[table]
	if !ok {
		cache = make(map[string]map[string]any)
		s.rowCache[table] = cache
	}
	cache[key] = formatted
}

func (s *PgSource) previous(table string, shape tableShape, row map[string]any) map[string]any {
	key, ok := s.cacheKey(shape, row)
	if !ok {
		return nil
	}
	return s.rowCache[table][key]
}

func rowTime(row map[string]any, column string) time.Time {
	if value, ok := row[column]; ok {
		switch ts := value.(type) {
		case time.Time:
			return ts
		case *time.Time:
			if ts != nil {
				return *ts
			}
		}
	}
	return time.Now().UTC()
}
