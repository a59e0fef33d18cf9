package replication

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/sirupsen/logrus"
)

type fakeAdmin struct {
	mu sync.Mutex

	pingErr    error
	privilege  bool
	privErr    error
	slots      map[string]SlotStatus
	slotErr    error
	diag       ServerDiagnostics
	diagErr    error
	pubErr     error
	subErr     error
	pubExists  bool
	subExists  bool
	terminated bool

	createCalls    []string
	dropCalls      []string
	terminateCalls []string
	provisionCalls int
	diagCalls      int
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{
		privilege: true,
		slots:     make(map[string]SlotStatus),
		diag:      ServerDiagnostics{WALLevel: "logical", MaxWALSenders: 10, MaxSlots: 10, WALSenderCount: 1},
	}
}

func (f *fakeAdmin) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeAdmin) HasReplicationPrivilege(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisionCalls++
	return f.privilege, f.privErr
}

func (f *fakeAdmin) SlotStatus(_ context.Context, slot string) (SlotStatus, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.slotErr != nil {
		return SlotStatus{}, false, f.slotErr
	}
	status, ok := f.slots[slot]
	return status, ok, nil
}

func (f *fakeAdmin) CreateSlot(_ context.Context, slot string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls = append(f.createCalls, slot)
	f.slots[slot] = SlotStatus{
		SlotName:          slot,
		Plugin:            "pgoutput",
		SlotType:          "logical",
		RestartLSN:        pglogrepl.LSN(0x1000000),
		ConfirmedFlushLSN: pglogrepl.LSN(0x1000000),
	}
	return nil
}

func (f *fakeAdmin) DropSlot(_ context.Context, slot string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropCalls = append(f.dropCalls, slot)
	delete(f.slots, slot)
	return nil
}

func (f *fakeAdmin) TerminateSlotBackend(_ context.Context, slot string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminateCalls = append(f.terminateCalls, slot)
	return f.terminated, nil
}

func (f *fakeAdmin) EnsurePublication(_ context.Context, _ string, _ []string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return false, f.pubErr
	}
	created := !f.pubExists
	f.pubExists = true
	return created, nil
}

func (f *fakeAdmin) EnsureSubscription(_ context.Context, _, _, _, _ string, _ bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return false, f.subErr
	}
	created := !f.subExists
	f.subExists = true
	return created, nil
}

func (f *fakeAdmin) Diagnostics(context.Context) (ServerDiagnostics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diagCalls++
	return f.diag, f.diagErr
}

func (f *fakeAdmin) diagnosticsCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.diagCalls
}

func (f *fakeAdmin) snapshotCalls() (creates, drops []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.createCalls...), append([]string(nil), f.dropCalls...)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestResetSlot_RefusesActiveSlot(t *testing.T) {
	admin := newFakeAdmin()
	pid := int32(4242)
	admin.slots["drift_slot"] = SlotStatus{
		SlotName:          "drift_slot",
		Active:            true,
		ActivePID:         &pid,
		ConfirmedFlushLSN: pglogrepl.LSN(0x2000000),
	}
	op := NewOperator(admin, quietLogger())

	result := op.ResetSlot(context.Background(), "drift_slot")
	if result.Success {
		t.Fatal("reset of an active slot must fail")
	}
	creates, drops := admin.snapshotCalls()
	if len(creates) != 0 || len(drops) != 0 {
		t.Fatalf("active slot was touched: creates=%v drops=%v", creates, drops)
	}
	if result.Timestamp.IsZero() {
		t.Fatal("result must carry a timestamp")
	}
}

func TestResetSlot_RecreatesInactiveSlot(t *testing.T) {
	admin := newFakeAdmin()
	admin.slots["drift_slot"] = SlotStatus{
		SlotName:          "drift_slot",
		Active:            false,
		ConfirmedFlushLSN: pglogrepl.LSN(0x2000000),
	}
	op := NewOperator(admin, quietLogger())

	result := op.ResetSlot(context.Background(), "drift_slot")
	if !result.Success {
		t.Fatalf("reset of inactive slot failed: %s", result.Message)
	}
	creates, drops := admin.snapshotCalls()
	if len(drops) != 1 || len(creates) != 1 {
		t.Fatalf("expected one drop and one create, got drops=%v creates=%v", drops, creates)
	}
	status, found, _ := admin.SlotStatus(context.Background(), "drift_slot")
	if !found || status.RestartLSN == 0 {
		t.Fatal("recreated slot must have a valid restart position")
	}
}

func TestResetSlot_MissingSlot(t *testing.T) {
	op := NewOperator(newFakeAdmin(), quietLogger())
	result := op.ResetSlot(context.Background(), "ghost")
	if result.Success {
		t.Fatal("reset of a missing slot must fail")
	}
}

func TestForceCleanupSlot_TerminatesHolderThenRecreates(t *testing.T) {
	admin := newFakeAdmin()
	admin.terminated = true
	admin.slots["drift_slot"] = SlotStatus{SlotName: "drift_slot", Active: true}
	op := NewOperator(admin, quietLogger())

	result := op.ForceCleanupSlot(context.Background(), "drift_slot")
	if !result.Success {
		t.Fatalf("force cleanup failed: %s", result.Message)
	}
	if len(admin.terminateCalls) != 1 {
		t.Fatal("holder backend was not terminated")
	}
	creates, drops := admin.snapshotCalls()
	if len(drops) != 1 || len(creates) != 1 {
		t.Fatalf("expected drop then create, got drops=%v creates=%v", drops, creates)
	}
}

func TestCreatePublication_ReportsAlreadyExists(t *testing.T) {
	admin := newFakeAdmin()
	op := NewOperator(admin, quietLogger())

	first := op.CreatePublication(context.Background(), "drift_pub", []string{"orders"})
	if !first.Success {
		t.Fatalf("create publication: %s", first.Message)
	}
	second := op.CreatePublication(context.Background(), "drift_pub", []string{"orders"})
	if !second.Success {
		t.Fatalf("idempotent re-create must succeed: %s", second.Message)
	}
}

func TestQualifyTable(t *testing.T) {
	got, err := qualifyTable("orders")
	if err != nil || got != `"public"."orders"` {
		t.Fatalf("unexpected: %q %v", got, err)
	}
	got, err = qualifyTable("sales.orders")
	if err != nil || got != `"sales"."orders"` {
		t.Fatalf("unexpected: %q %v", got, err)
	}
	if _, err := qualifyTable("a.b.c"); err == nil {
		t.Fatal("expected error for invalid name")
	}
}
