package processor

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fangqiank/pgdrift/internal/cdc"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func orderEvent(id int) cdc.ChangeEvent {
	return cdc.ChangeEvent{
		Operation:  cdc.OpInsert,
		SchemaName: "public",
		TableName:  "orders",
		After:      map[string]any{"id": id},
		EventTime:  time.Now().UTC(),
	}
}

func TestProcessEvent_AllowListAndValidation(t *testing.T) {
	p := New([]string{"orders"}, quietLogger())

	if err := p.ProcessEvent(context.Background(), cdc.ChangeEvent{TableName: "orders"}); err == nil {
		t.Fatal("empty event must be rejected")
	}
	err := p.ProcessEvent(context.Background(), cdc.ChangeEvent{
		TableName: "secrets",
		After:     map[string]any{"k": "v"},
	})
	if !errors.Is(err, ErrTableNotAllowed) {
		t.Fatalf("expected allow-list rejection, got %v", err)
	}
	// Allow-list comparison is case-insensitive.
	if err := p.ProcessEvent(context.Background(), cdc.ChangeEvent{
		TableName: "Orders",
		After:     map[string]any{"id": 1},
	}); err != nil {
		t.Fatalf("case variant rejected: %v", err)
	}

	stats := p.GetStats()
	if stats.FailedEvents != 2 || stats.TotalProcessed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestProcessEvent_RoutesToTableHandler(t *testing.T) {
	var routed atomic.Int64
	p := New([]string{"orders", "misc"}, quietLogger(),
		WithHandler("orders", func(context.Context, cdc.ChangeEvent) error {
			routed.Add(1)
			return nil
		}))

	if err := p.ProcessEvent(context.Background(), orderEvent(1)); err != nil {
		t.Fatalf("process: %v", err)
	}
	// Unrouted table falls through to the debug handler.
	if err := p.ProcessEvent(context.Background(), cdc.ChangeEvent{
		TableName: "misc",
		After:     map[string]any{"id": 1},
	}); err != nil {
		t.Fatalf("default handler: %v", err)
	}
	if routed.Load() != 1 {
		t.Fatalf("expected 1 routed event, got %d", routed.Load())
	}
}

func TestProcessBatch_DegradesToPartialChunk(t *testing.T) {
	const n = 10
	bad := 4
	p := New([]string{"orders"}, quietLogger(),
		WithChunkSize(n),
		WithHandler("orders", func(_ context.Context, event cdc.ChangeEvent) error {
			if event.After["id"] == bad {
				return errors.New("malformed record")
			}
			return nil
		}))

	events := make([]cdc.ChangeEvent, n)
	for i := range events {
		events[i] = orderEvent(i)
	}

	if err := p.ProcessBatch(context.Background(), events); err == nil {
		t.Fatal("expected the bad record's error to surface")
	}
	stats := p.GetStats()
	if stats.TotalProcessed != n-1 {
		t.Fatalf("expected %d processed, got %d", n-1, stats.TotalProcessed)
	}
	if stats.FailedEvents != 1 {
		t.Fatalf("expected exactly 1 failure, got %d", stats.FailedEvents)
	}
}

func TestProcessBatch_CleanChunkCountsAll(t *testing.T) {
	p := New([]string{"orders"}, quietLogger(), WithChunkSize(3))
	events := []cdc.ChangeEvent{orderEvent(1), orderEvent(2), orderEvent(3), orderEvent(4)}

	if err := p.ProcessBatch(context.Background(), events); err != nil {
		t.Fatalf("batch: %v", err)
	}
	stats := p.GetStats()
	if stats.TotalProcessed != 4 || stats.FailedEvents != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.EventsByTable["orders"] != 4 {
		t.Fatalf("per-table count wrong: %v", stats.EventsByTable)
	}
	if stats.EventsByType[string(cdc.OpInsert)] != 4 {
		t.Fatalf("per-type count wrong: %v", stats.EventsByType)
	}
}

func TestProcessEvent_GateTimeoutDropsEvent(t *testing.T) {
	p := New([]string{"orders"}, quietLogger(), WithGateTimeout(10*time.Millisecond))

	p.gate <- struct{}{} // hold the gate
	err := p.ProcessEvent(context.Background(), orderEvent(1))
	if !errors.Is(err, ErrGateTimeout) {
		t.Fatalf("expected gate timeout, got %v", err)
	}
	<-p.gate

	if err := p.ProcessEvent(context.Background(), orderEvent(2)); err != nil {
		t.Fatalf("gate not released: %v", err)
	}
}

func TestOrderHandler_StatusTransition(t *testing.T) {
	handler := NewOrderHandler(quietLogger())
	var fired atomic.Int64
	handler.OnTransition("confirmed", func(context.Context, cdc.ChangeEvent) error {
		fired.Add(1)
		return nil
	})

	event := cdc.ChangeEvent{
		Operation:      cdc.OpUpdate,
		TableName:      "orders",
		Before:         map[string]any{"status": "pending"},
		After:          map[string]any{"status": "confirmed"},
		ChangedColumns: []string{"status"},
	}
	if err := handler.Handle(context.Background(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}
	handler.Wait()
	if fired.Load() != 1 {
		t.Fatalf("transition chain not fired: %d", fired.Load())
	}

	// Update without a status change fires nothing.
	event.ChangedColumns = []string{"total"}
	if err := handler.Handle(context.Background(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}
	handler.Wait()
	if fired.Load() != 1 {
		t.Fatal("chain fired for a non-status update")
	}
}

func TestOrderHandler_SideEffectFailureIsolated(t *testing.T) {
	handler := NewOrderHandler(quietLogger())
	var healthy atomic.Int64
	handler.OnTransition("cancelled",
		func(context.Context, cdc.ChangeEvent) error { panic("boom") },
		func(context.Context, cdc.ChangeEvent) error {
			healthy.Add(1)
			return nil
		})

	event := cdc.ChangeEvent{
		Operation:      cdc.OpUpdate,
		TableName:      "orders",
		After:          map[string]any{"status": "cancelled"},
		ChangedColumns: []string{"status"},
	}
	if err := handler.Handle(context.Background(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}
	handler.Wait()
	if healthy.Load() != 1 {
		t.Fatal("panicking sibling suppressed the healthy side effect")
	}
}
