package outbox

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, "pgdrift", "outbox_events")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, mock
}

func TestMarkProcessed_TrackedUpdate(t *testing.T) {
	store, mock := newMockStore(t)
	entry := Entry{ID: uuid.New()}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "pgdrift"."outbox_events" SET processed = TRUE`)).
		WithArgs(entry.ID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.MarkProcessed(context.Background(), &entry); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if !entry.Processed || entry.ProcessedAt == nil {
		t.Fatal("entry not flipped to processed locally")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMarkProcessed_FallbackOnZeroRows(t *testing.T) {
	store, mock := newMockStore(t)
	entry := Entry{ID: uuid.New()}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "pgdrift"."outbox_events" SET processed = TRUE, processed_at = $2 WHERE id = $1`)).
		WithArgs(entry.ID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`WHERE id = $1 AND processed = FALSE`)).
		WithArgs(entry.ID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.MarkProcessed(context.Background(), &entry); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("fallback update not issued: %v", err)
	}
}

func TestFetchUnprocessed(t *testing.T) {
	store, mock := newMockStore(t)
	first := uuid.New()
	second := uuid.New()
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "aggregate_type", "aggregate_id", "event_type", "payload",
		"created_at", "processed", "processed_at", "retry_count",
	}).
		AddRow(first, "Order", "1", "OrderCreated", []byte(`{}`), now.Add(-time.Minute), false, nil, 0).
		AddRow(second, "Order", "2", "OrderShipped", []byte(`{}`), now, false, nil, 1)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE processed = FALSE ORDER BY created_at ASC LIMIT $1`)).
		WithArgs(100).
		WillReturnRows(rows)

	entries, err := store.FetchUnprocessed(context.Background(), 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != first || entries[1].ID != second {
		t.Fatal("entries not in creation order")
	}
	if entries[1].RetryCount != 1 {
		t.Fatalf("retry count not scanned: %d", entries[1].RetryCount)
	}
}

func TestReload_NotFound(t *testing.T) {
	store, mock := newMockStore(t)
	entry := Entry{ID: uuid.New()}

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE id = $1`)).
		WithArgs(entry.ID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	err := store.Reload(context.Background(), &entry)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAdd_UsesCallerTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "pgdrift"."outbox_events"`)).
		WithArgs(sqlmock.AnyArg(), "Order", "42", "OrderCreated", []byte(`{"id":42}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := store.db.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	id, err := store.Add(context.Background(), tx, Outbox{
		AggregateType: "Order",
		AggregateID:   "42",
		EventType:     "OrderCreated",
		Payload:       []byte(`{"id":42}`),
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("expected a generated id")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
