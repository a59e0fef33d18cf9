package cdc

import (
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pglogrepl"
)

// Operation indicates the change type for an event.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeEvent is the normalized representation of a single row mutation.
// Events are immutable once constructed; handlers must not mutate the
// Before/After maps.
type ChangeEvent struct {
	Operation  Operation
	SchemaName string
	TableName  string

	// Before is nil for inserts, After is nil for deletes.
	Before map[string]any
	After  map[string]any

	// EventTime is the capture timestamp, not necessarily the commit time.
	EventTime time.Time

	// TransactionID and Position are ordering/deduplication markers.
	// Position is zero for poller-originated events, which have no LSN.
	TransactionID uint32
	Position      pglogrepl.LSN

	// ChangedColumns lists columns whose value differs between Before and
	// After. Populated for updates only.
	ChangedColumns []string
}

// QualifiedTable returns schema.table for logging and routing.
func (e ChangeEvent) QualifiedTable() string {
	if e.SchemaName == "" {
		return e.TableName
	}
	return e.SchemaName + "." + e.TableName
}

// IsEmpty reports whether the event carries no usable payload.
func (e ChangeEvent) IsEmpty() bool {
	return e.TableName == "" || (len(e.Before) == 0 && len(e.After) == 0)
}

// DiffColumns computes the sorted set of column names whose values differ
// between two row snapshots. Columns present in only one snapshot count as
// changed.
func DiffColumns(before, after map[string]any) []string {
	if before == nil || after == nil {
		return nil
	}
	changed := make([]string, 0)
	seen := make(map[string]struct{}, len(before))
	for name, prev := range before {
		seen[name] = struct{}{}
		next, ok := after[name]
		if !ok || !valueEqual(prev, next) {
			changed = append(changed, name)
		}
	}
	for name := range after {
		if _, ok := seen[name]; !ok {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Equal(bt)
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
