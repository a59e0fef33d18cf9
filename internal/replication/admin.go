package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/sirupsen/logrus"
)

// SlotStatus is a snapshot of one logical replication slot.
type SlotStatus struct {
	SlotName          string
	Plugin            string
	SlotType          string
	Database          string
	Active            bool
	ActivePID         *int32
	WalStatus         string
	RestartLSN        pglogrepl.LSN
	ConfirmedFlushLSN pglogrepl.LSN
	Temporary         bool
	LagBytes          int64
	CheckedAt         time.Time
}

// ServerDiagnostics captures server-level replication settings inspected
// when a slot is found inactive.
type ServerDiagnostics struct {
	WALLevel       string
	MaxWALSenders  int
	MaxSlots       int
	WALSenderCount int
}

// Admin is the administrative surface over the replication catalog. The
// pgx implementation is PgAdmin; the coordinator, health monitor and
// operator tooling all work against this interface.
type Admin interface {
	Ping(ctx context.Context) error
	HasReplicationPrivilege(ctx context.Context) (bool, error)
	SlotStatus(ctx context.Context, slot string) (SlotStatus, bool, error)
	CreateSlot(ctx context.Context, slot string) error
	DropSlot(ctx context.Context, slot string) error
	TerminateSlotBackend(ctx context.Context, slot string) (bool, error)
	EnsurePublication(ctx context.Context, name string, tables []string) (bool, error)
	EnsureSubscription(ctx context.Context, name, connInfo, publication, slot string, copyData bool) (bool, error)
	Diagnostics(ctx context.Context) (ServerDiagnostics, error)
}

// AdminResult is the structured outcome of an operator-triggered action.
// Expected failure modes (slot active, slot missing) are reported here,
// not as errors.
type AdminResult struct {
	Success   bool
	Message   string
	Timestamp time.Time
}

func resultf(success bool, format string, args ...any) AdminResult {
	return AdminResult{
		Success:   success,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now().UTC(),
	}
}

// Operator exposes slot recovery actions for operator tooling.
type Operator struct {
	admin  Admin
	logger *logrus.Logger
}

// NewOperator returns operator tooling over the given admin surface.
func NewOperator(admin Admin, logger *logrus.Logger) *Operator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Operator{admin: admin, logger: logger}
}

// SlotInfo returns the current status of the named slot.
func (o *Operator) SlotInfo(ctx context.Context, slot string) (SlotStatus, AdminResult) {
	status, found, err := o.admin.SlotStatus(ctx, slot)
	if err != nil {
		return SlotStatus{}, resultf(false, "query slot %s: %v", slot, err)
	}
	if !found {
		return SlotStatus{}, resultf(false, "slot %s does not exist", slot)
	}
	return status, resultf(true, "slot %s found", slot)
}

// ResetSlot drops and recreates an inactive slot. An active slot is never
// reset; the caller gets a failure result and the slot is left untouched.
func (o *Operator) ResetSlot(ctx context.Context, slot string) AdminResult {
	status, found, err := o.admin.SlotStatus(ctx, slot)
	if err != nil {
		return resultf(false, "query slot %s: %v", slot, err)
	}
	if !found {
		return resultf(false, "slot %s does not exist", slot)
	}
	if status.Active {
		return resultf(false, "slot %s is active, cannot reset", slot)
	}

	if err := o.admin.DropSlot(ctx, slot); err != nil {
		return resultf(false, "drop slot %s: %v", slot, err)
	}
	if err := o.admin.CreateSlot(ctx, slot); err != nil {
		return resultf(false, "recreate slot %s: %v", slot, err)
	}
	o.logger.WithField("slot", slot).Info("replication slot reset")
	return resultf(true, "slot %s reset", slot)
}

// ForceCleanupSlot terminates any backend holding the slot, then drops
// and recreates it. Operator-triggered recovery for stuck slots.
func (o *Operator) ForceCleanupSlot(ctx context.Context, slot string) AdminResult {
	_, found, err := o.admin.SlotStatus(ctx, slot)
	if err != nil {
		return resultf(false, "query slot %s: %v", slot, err)
	}
	if !found {
		return resultf(false, "slot %s does not exist", slot)
	}

	terminated, err := o.admin.TerminateSlotBackend(ctx, slot)
	if err != nil {
		return resultf(false, "terminate slot holder for %s: %v", slot, err)
	}
	if terminated {
		o.logger.WithField("slot", slot).Warn("terminated backend holding replication slot")
	}
	if err := o.admin.DropSlot(ctx, slot); err != nil {
		return resultf(false, "drop slot %s: %v", slot, err)
	}
	if err := o.admin.CreateSlot(ctx, slot); err != nil {
		return resultf(false, "recreate slot %s: %v", slot, err)
	}
	return resultf(true, "slot %s cleaned up and recreated", slot)
}

// CreatePublication ensures the publication exists for the given tables.
func (o *Operator) CreatePublication(ctx context.Context, name string, tables []string) AdminResult {
	created, err := o.admin.EnsurePublication(ctx, name, tables)
	if err != nil {
		return resultf(false, "ensure publication %s: %v", name, err)
	}
	if !created {
		return resultf(true, "publication %s already exists", name)
	}
	return resultf(true, "publication %s created", name)
}
