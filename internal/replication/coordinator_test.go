package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition never met")
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestCoordinator_CircuitBreakerStopsAfterMaxErrors(t *testing.T) {
	admin := newFakeAdmin()
	admin.pubErr = errors.New("publication creation denied")
	coord := NewCoordinator(admin, CoordinatorConfig{
		SlotName:             "drift_slot",
		Publication:          "drift_pub",
		BaseRetryDelay:       time.Millisecond,
		MaxConsecutiveErrors: 3,
	}, quietLogger())

	coord.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool {
		return coord.GetStatus().State == CoordStopped
	})

	status := coord.GetStatus()
	if status.ErrorCount != 3 {
		t.Fatalf("expected exactly 3 consecutive errors, got %d", status.ErrorCount)
	}
	if status.IsRunning {
		t.Fatal("stopped coordinator still reports running")
	}
	if status.LastError == "" {
		t.Fatal("last error not surfaced")
	}

	// The breaker is open; no further provisioning attempts happen.
	admin.mu.Lock()
	attempts := admin.provisionCalls
	admin.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	admin.mu.Lock()
	after := admin.provisionCalls
	admin.mu.Unlock()
	if after != attempts {
		t.Fatalf("provisioning continued after circuit opened: %d -> %d", attempts, after)
	}
	coord.Stop()
}

func TestCoordinator_ProvisionsMissingObjects(t *testing.T) {
	admin := newFakeAdmin()
	coord := NewCoordinator(admin, CoordinatorConfig{
		SlotName:       "drift_slot",
		Publication:    "drift_pub",
		Subscription:   "drift_sub",
		SourceConnInfo: "host=primary dbname=app",
		Heartbeat:      5 * time.Millisecond,
		BaseRetryDelay: time.Millisecond,
	}, quietLogger())

	coord.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool {
		return coord.GetStatus().State == CoordMonitoring
	})
	coord.Stop()

	if !admin.pubExists {
		t.Fatal("publication not created")
	}
	if !admin.subExists {
		t.Fatal("subscription not created")
	}
	if _, found, _ := admin.SlotStatus(context.Background(), "drift_slot"); !found {
		t.Fatal("slot not created")
	}
	if coord.GetStatus().SubscriptionState != "configured" {
		t.Fatalf("unexpected subscription state: %q", coord.GetStatus().SubscriptionState)
	}
}

func TestCoordinator_NeverResetsActiveSlot(t *testing.T) {
	admin := newFakeAdmin()
	admin.slots["drift_slot"] = SlotStatus{SlotName: "drift_slot", Active: true}
	coord := NewCoordinator(admin, CoordinatorConfig{
		SlotName:    "drift_slot",
		Publication: "drift_pub",
	}, quietLogger())

	if err := coord.provision(context.Background()); err != nil {
		t.Fatalf("provision: %v", err)
	}
	creates, drops := admin.snapshotCalls()
	if len(creates) != 0 || len(drops) != 0 {
		t.Fatalf("active slot was touched: creates=%v drops=%v", creates, drops)
	}
}

func TestCoordinator_ResetsUninitializedInactiveSlot(t *testing.T) {
	admin := newFakeAdmin()
	admin.slots["drift_slot"] = SlotStatus{SlotName: "drift_slot", Active: false, ConfirmedFlushLSN: 0}
	coord := NewCoordinator(admin, CoordinatorConfig{
		SlotName:    "drift_slot",
		Publication: "drift_pub",
	}, quietLogger())

	if err := coord.provision(context.Background()); err != nil {
		t.Fatalf("provision: %v", err)
	}
	creates, drops := admin.snapshotCalls()
	if len(drops) != 1 || len(creates) != 1 {
		t.Fatalf("stale slot not reset: creates=%v drops=%v", creates, drops)
	}
	if admin.diagnosticsCalls() == 0 {
		t.Fatal("inactive slot must be diagnosed before the reset decision")
	}
}

func TestCoordinator_DiagnosesInactiveSlotLeftInPlace(t *testing.T) {
	admin := newFakeAdmin()
	admin.slots["drift_slot"] = SlotStatus{
		SlotName:          "drift_slot",
		Active:            false,
		ConfirmedFlushLSN: pglogrepl.LSN(0x3000000),
	}
	coord := NewCoordinator(admin, CoordinatorConfig{
		SlotName:    "drift_slot",
		Publication: "drift_pub",
	}, quietLogger())

	if err := coord.provision(context.Background()); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if admin.diagnosticsCalls() == 0 {
		t.Fatal("inactive slot must be diagnosed even when left in place")
	}
}

func TestCoordinator_HeartbeatFailureBacksOffThroughErrorState(t *testing.T) {
	admin := newFakeAdmin()
	coord := NewCoordinator(admin, CoordinatorConfig{
		SlotName:       "drift_slot",
		Publication:    "drift_pub",
		Heartbeat:      2 * time.Millisecond,
		BaseRetryDelay: 250 * time.Millisecond,
	}, quietLogger())

	coord.Start(context.Background())
	defer coord.Stop()
	waitFor(t, 2*time.Second, func() bool {
		return coord.GetStatus().State == CoordMonitoring
	})

	admin.mu.Lock()
	admin.slotErr = errors.New("connection reset by peer")
	admin.mu.Unlock()

	waitFor(t, 2*time.Second, func() bool {
		return coord.GetStatus().State == CoordError
	})
	status := coord.GetStatus()
	if status.ErrorCount != 1 {
		t.Fatalf("expected 1 heartbeat error, got %d", status.ErrorCount)
	}
	if status.LastError == "" {
		t.Fatal("heartbeat error not surfaced")
	}

	// Reprovisioning waits out the backoff delay first.
	admin.mu.Lock()
	attempts := admin.provisionCalls
	admin.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	admin.mu.Lock()
	after := admin.provisionCalls
	admin.slotErr = nil
	admin.mu.Unlock()
	if after != attempts {
		t.Fatalf("reprovisioned before backoff elapsed: %d -> %d", attempts, after)
	}

	waitFor(t, 3*time.Second, func() bool {
		return coord.GetStatus().State == CoordMonitoring
	})
}

func TestCoordinator_LeavesInactiveSlotWithValidPosition(t *testing.T) {
	admin := newFakeAdmin()
	admin.slots["drift_slot"] = SlotStatus{
		SlotName:          "drift_slot",
		Active:            false,
		ConfirmedFlushLSN: pglogrepl.LSN(0x3000000),
	}
	coord := NewCoordinator(admin, CoordinatorConfig{
		SlotName:    "drift_slot",
		Publication: "drift_pub",
	}, quietLogger())

	if err := coord.provision(context.Background()); err != nil {
		t.Fatalf("provision: %v", err)
	}
	creates, drops := admin.snapshotCalls()
	if len(creates) != 0 || len(drops) != 0 {
		t.Fatal("slot awaiting reconnection must not be reset")
	}
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	cases := []struct {
		errors int
		want   time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, maxBackoffDelay},
	}
	for _, tc := range cases {
		if got := backoffDelay(base, tc.errors); got != tc.want {
			t.Fatalf("backoffDelay(%d) = %v, want %v", tc.errors, got, tc.want)
		}
	}
}
