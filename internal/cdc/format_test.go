package cdc

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestFormatValue(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 30, 0, 0, time.FixedZone("EST", -5*3600))
	if got := FormatValue(ts); got != "2024-05-01T17:30:00Z" {
		t.Fatalf("expected canonical UTC timestamp, got %v", got)
	}

	if got := FormatValue([]byte("hello")); got != "hello" {
		t.Fatalf("expected byte slice stringified, got %v", got)
	}

	id := uuid.New()
	if got := FormatValue(id); got != id.String() {
		t.Fatalf("expected uuid stringified, got %v", got)
	}

	if got := FormatValue(int64(42)); got != int64(42) {
		t.Fatalf("expected numeric preserved, got %v (%T)", got, got)
	}
	if got := FormatValue(3.14); got != 3.14 {
		t.Fatalf("expected float preserved, got %v", got)
	}
	if got := FormatValue(nil); got != nil {
		t.Fatalf("expected nil preserved, got %v", got)
	}
}

func TestFormatRow(t *testing.T) {
	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	row := FormatRow(map[string]any{"created_at": ts, "amount": 10})
	if row["created_at"] != "2024-05-01T00:00:00Z" {
		t.Fatalf("unexpected created_at: %v", row["created_at"])
	}
	if row["amount"] != 10 {
		t.Fatalf("unexpected amount: %v", row["amount"])
	}
	if FormatRow(nil) != nil {
		t.Fatal("expected nil row to stay nil")
	}
}
