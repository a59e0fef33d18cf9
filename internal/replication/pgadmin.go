package replication

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const outputPlugin = "pgoutput"

// PgAdmin implements Admin over a pgx pool connected with a role that can
// read the replication catalog and create replication objects.
type PgAdmin struct {
	pool *pgxpool.Pool
}

// NewPgAdmin returns an Admin backed by the given pool.
func NewPgAdmin(pool *pgxpool.Pool) *PgAdmin {
	return &PgAdmin{pool: pool}
}

func (a *PgAdmin) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// HasReplicationPrivilege reports whether the current role may create
// replication slots.
func (a *PgAdmin) HasReplicationPrivilege(ctx context.Context) (bool, error) {
	var allowed bool
	err := a.pool.QueryRow(ctx,
		"SELECT rolreplication OR rolsuper FROM pg_roles WHERE rolname = current_user").Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("check replication privilege: %w", err)
	}
	return allowed, nil
}

// SlotStatus returns the catalog snapshot for one logical slot, including
// the byte lag between the current WAL position and the confirmed flush
// position.
func (a *PgAdmin) SlotStatus(ctx context.Context, slot string) (SlotStatus, bool, error) {
	if slot == "" {
		return SlotStatus{}, false, errors.New("slot name is required")
	}

	const query = `
SELECT
  slot_name,
  plugin,
  slot_type,
  database,
  active,
  active_pid,
  wal_status,
  restart_lsn::text,
  confirmed_flush_lsn::text,
  temporary,
  COALESCE(pg_wal_lsn_diff(pg_current_wal_lsn(), confirmed_flush_lsn), 0)::bigint
FROM pg_replication_slots
WHERE slot_type = 'logical' AND slot_name = $1`

	var status SlotStatus
	var activePID sql.NullInt32
	var walStatus, restartLSN, confirmedLSN sql.NullString
	err := a.pool.QueryRow(ctx, query, slot).Scan(
		&status.SlotName,
		&status.Plugin,
		&status.SlotType,
		&status.Database,
		&status.Active,
		&activePID,
		&walStatus,
		&restartLSN,
		&confirmedLSN,
		&status.Temporary,
		&status.LagBytes,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SlotStatus{}, false, nil
		}
		return SlotStatus{}, false, fmt.Errorf("query replication slot: %w", err)
	}
	if activePID.Valid {
		pid := activePID.Int32
		status.ActivePID = &pid
	}
	if walStatus.Valid {
		status.WalStatus = walStatus.String
	}
	if restartLSN.Valid {
		if lsn, err := pglogrepl.ParseLSN(restartLSN.String); err == nil {
			status.RestartLSN = lsn
		}
	}
	if confirmedLSN.Valid {
		if lsn, err := pglogrepl.ParseLSN(confirmedLSN.String); err == nil {
			status.ConfirmedFlushLSN = lsn
		}
	}
	status.CheckedAt = time.Now().UTC()
	return status, true, nil
}

// CreateSlot creates a logical slot using the pgoutput plugin. An
// already-existing slot is not an error.
func (a *PgAdmin) CreateSlot(ctx context.Context, slot string) error {
	_, err := a.pool.Exec(ctx, "SELECT pg_create_logical_replication_slot($1, $2)", slot, outputPlugin)
	if err != nil && !isDuplicateObjectErr(err) {
		return fmt.Errorf("create replication slot: %w", err)
	}
	return nil
}

// DropSlot removes the slot if it exists.
func (a *PgAdmin) DropSlot(ctx context.Context, slot string) error {
	_, err := a.pool.Exec(ctx, "SELECT pg_drop_replication_slot($1)", slot)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42704" {
			return nil
		}
		return fmt.Errorf("drop replication slot: %w", err)
	}
	return nil
}

// TerminateSlotBackend kills the backend process holding the slot, if
// any. Returns whether a process was terminated.
func (a *PgAdmin) TerminateSlotBackend(ctx context.Context, slot string) (bool, error) {
	var terminated sql.NullBool
	err := a.pool.QueryRow(ctx,
		`SELECT pg_terminate_backend(active_pid)
 FROM pg_replication_slots
 WHERE slot_name = $1 AND active_pid IS NOT NULL`, slot).Scan(&terminated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("terminate slot backend: %w", err)
	}
	return terminated.Valid && terminated.Bool, nil
}

// EnsurePublication creates the publication for the given tables when it
// does not exist yet. Returns whether it was created by this call.
func (a *PgAdmin) EnsurePublication(ctx context.Context, name string, tables []string) (bool, error) {
	if name == "" {
		return false, errors.New("publication is required")
	}
	var exists bool
	if err := a.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)", name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check publication: %w", err)
	}
	if exists {
		return false, nil
	}

	var query string
	if len(tables) == 0 {
		query = fmt.Sprintf("CREATE PUBLICATION %s FOR ALL TABLES", pgx.Identifier{name}.Sanitize())
	} else {
		qualified := make([]string, 0, len(tables))
		for _, table := range tables {
			qualifiedTable, err := qualifyTable(table)
			if err != nil {
				return false, err
			}
			qualified = append(qualified, qualifiedTable)
		}
		query = fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s",
			pgx.Identifier{name}.Sanitize(), strings.Join(qualified, ", "))
	}
	if _, err := a.pool.Exec(ctx, query); err != nil {
		if isDuplicateObjectErr(err) {
			return false, nil
		}
		return false, fmt.Errorf("create publication: %w", err)
	}
	return true, nil
}

// EnsureSubscription creates the subscription pointing at the source
// connection and publication when missing. The slot is managed separately
// by the coordinator, so the subscription never creates its own.
func (a *PgAdmin) EnsureSubscription(ctx context.Context, name, connInfo, publication, slot string, copyData bool) (bool, error) {
	if name == "" {
		return false, errors.New("subscription is required")
	}
	var exists bool
	if err := a.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_subscription WHERE subname = $1)", name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check subscription: %w", err)
	}
	if exists {
		return false, nil
	}

	query := fmt.Sprintf(
		"CREATE SUBSCRIPTION %s CONNECTION %s PUBLICATION %s WITH (copy_data = %t, create_slot = false, slot_name = %s)",
		pgx.Identifier{name}.Sanitize(),
		quoteLiteral(connInfo),
		pgx.Identifier{publication}.Sanitize(),
		copyData,
		quoteLiteral(slot),
	)
	if _, err := a.pool.Exec(ctx, query); err != nil {
		if isDuplicateObjectErr(err) {
			return false, nil
		}
		return false, fmt.Errorf("create subscription: %w", err)
	}
	return true, nil
}

// Diagnostics reads the server settings inspected when a slot is inactive.
func (a *PgAdmin) Diagnostics(ctx context.Context) (ServerDiagnostics, error) {
	var diag ServerDiagnostics
	if err := a.pool.QueryRow(ctx, "SHOW wal_level").Scan(&diag.WALLevel); err != nil {
		return diag, fmt.Errorf("read wal_level: %w", err)
	}
	if err := a.pool.QueryRow(ctx,
		"SELECT current_setting('max_wal_senders')::int").Scan(&diag.MaxWALSenders); err != nil {
		return diag, fmt.Errorf("read max_wal_senders: %w", err)
	}
	if err := a.pool.QueryRow(ctx,
		"SELECT current_setting('max_replication_slots')::int").Scan(&diag.MaxSlots); err != nil {
		return diag, fmt.Errorf("read max_replication_slots: %w", err)
	}
	if err := a.pool.QueryRow(ctx,
		"SELECT count(*) FROM pg_stat_replication").Scan(&diag.WALSenderCount); err != nil {
		return diag, fmt.Errorf("count wal senders: %w", err)
	}
	return diag, nil
}

func isDuplicateObjectErr(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42710" || pgErr.Code == "42P07"
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func qualifyTable(name string) (string, error) {
	parts := strings.Split(name, ".")
	switch len(parts) {
	case 1:
		return pgx.Identifier{"public", parts[0]}.Sanitize(), nil
	case 2:
		return pgx.Identifier{parts[0], parts[1]}.Sanitize(), nil
	default:
		return "", fmt.Errorf("invalid table name %q", name)
	}
}

func quoteLiteral(value string) string {
	escaped := strings.ReplaceAll(value, "'", "''")
	return "'" + escaped + "'"
}
