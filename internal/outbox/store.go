package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when an outbox entry no longer exists.
var ErrNotFound = errors.New("outbox entry not found")

// Outbox carries the producer-facing fields of an event; it is inserted in
// the same transaction as the business write.
type Outbox struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Entry is a durable outbox row.
type Entry struct {
	Outbox
	ID          uuid.UUID
	CreatedAt   time.Time
	Processed   bool
	ProcessedAt *time.Time
	RetryCount  int
}

// Execer is satisfied by *sql.DB and *sql.Tx so producers can enqueue
// inside their own business transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store reads and mutates the outbox table. Retention is not its concern:
// entries are never deleted here.
type Store struct {
	db     *sql.DB
	schema string
	table  string
}

// NewStore returns a store over the given schema-qualified outbox table.
func NewStore(db *sql.DB, schema, table string) (*Store, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	if schema == "" {
		schema = "pgdrift"
	}
	if table == "" {
		table = "outbox_events"
	}
	if strings.Contains(schema, ".") || strings.Contains(table, ".") {
		return nil, errors.New("outbox schema/table must not contain '.'")
	}
	return &Store{db: db, schema: schema, table: table}, nil
}

func (s *Store) ident() string {
	return pgx.Identifier{s.schema, s.table}.Sanitize()
}

// Ensure creates the outbox schema and table when missing.
func (s *Store) Ensure(ctx context.Context) error {
	schemaIdent := pgx.Identifier{s.schema}.Sanitize()
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schemaIdent)); err != nil {
		return fmt.Errorf("create outbox schema: %w", err)
	}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id UUID PRIMARY KEY,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  payload BYTEA,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  processed BOOLEAN NOT NULL DEFAULT FALSE,
  processed_at TIMESTAMPTZ,
  retry_count INT NOT NULL DEFAULT 0
)`, s.ident())
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create outbox table: %w", err)
	}
	return nil
}

// Add inserts an outbox row using the caller's transaction handle.
func (s *Store) Add(ctx context.Context, exec Execer, event Outbox) (uuid.UUID, error) {
	if exec == nil {
		exec = s.db
	}
	id := uuid.New()
	query := fmt.Sprintf(
		"INSERT INTO %s (id, aggregate_type, aggregate_id, event_type, payload, created_at) VALUES ($1, $2, $3, $4, $5, now())",
		s.ident())
	if _, err := exec.ExecContext(ctx, query, id, event.AggregateType, event.AggregateID, event.EventType, event.Payload); err != nil {
		return uuid.Nil, fmt.Errorf("insert outbox entry: %w", err)
	}
	return id, nil
}

// FetchUnprocessed returns up to limit unprocessed entries in creation
// order.
func (s *Store) FetchUnprocessed(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(
		`SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at, processed, processed_at, retry_count
FROM %s WHERE processed = FALSE ORDER BY created_at ASC LIMIT $1`, s.ident())
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox entries: %w", err)
	}
	return entries, nil
}

// MarkProcessed flips an entry to processed. The first update is verified
// by rows-affected; when it reports zero rows (stale snapshot, row moved),
// an idempotent direct update on the unprocessed row is attempted instead.
func (s *Store) MarkProcessed(ctx context.Context, entry *Entry) error {
	now := time.Now().UTC()
	query := fmt.Sprintf("UPDATE %s SET processed = TRUE, processed_at = $2 WHERE id = $1", s.ident())
	result, err := s.db.ExecContext(ctx, query, entry.ID, now)
	if err != nil {
		return fmt.Errorf("mark outbox entry processed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify outbox update: %w", err)
	}
	if affected == 0 {
		fallback := fmt.Sprintf("UPDATE %s SET processed = TRUE, processed_at = $2 WHERE id = $1 AND processed = FALSE", s.ident())
		if _, err := s.db.ExecContext(ctx, fallback, entry.ID, now); err != nil {
			return fmt.Errorf("fallback outbox update: %w", err)
		}
	}
	entry.Processed = true
	entry.ProcessedAt = &now
	return nil
}

// Reload replaces the entry's local state with its persisted state,
// undoing any in-memory mutation after a failed processing attempt.
func (s *Store) Reload(ctx context.Context, entry *Entry) error {
	query := fmt.Sprintf(
		`SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at, processed, processed_at, retry_count
FROM %s WHERE id = $1`, s.ident())
	row := s.db.QueryRowContext(ctx, query, entry.ID)
	reloaded, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	*entry = reloaded
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var entry Entry
	var processedAt sql.NullTime
	if err := row.Scan(
		&entry.ID,
		&entry.AggregateType,
		&entry.AggregateID,
		&entry.EventType,
		&entry.Payload,
		&entry.CreatedAt,
		&entry.Processed,
		&processedAt,
		&entry.RetryCount,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scan outbox entry: %w", err)
	}
	if processedAt.Valid {
		ts := processedAt.Time
		entry.ProcessedAt = &ts
	}
	return entry, nil
}
