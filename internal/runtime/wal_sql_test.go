package runtime

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	_ "modernc.org/sqlite"
)

func openSQLiteWAL(t *testing.T) *SQLWAL {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "wal.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	wal, err := NewSQLWAL(db, "wal://sql/test")
	if err != nil {
		t.Fatalf("NewSQLWAL: %v", err)
	}
	return wal
}

func TestSQLWAL_AppendAndIter(t *testing.T) {
	wal := openSQLiteWAL(t)

	types := []EventType{EventRunStarted, EventLLMRequestStarted, EventRunCompleted}
	for i, et := range types {
		idx, err := wal.Append(testEvent("r1", et))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if idx != i {
			t.Errorf("index = %d, want %d", idx, i)
		}
	}
	wal.Append(testEvent("r2", EventRunStarted))

	events, err := wal.IterEvents("r1")
	if err != nil {
		t.Fatalf("IterEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, et := range types {
		if events[i].Type != et {
			t.Errorf("events[%d].Type = %s, want %s", i, events[i].Type, et)
		}
	}
}

func TestSQLWAL_PayloadRoundTrip(t *testing.T) {
	wal := openSQLiteWAL(t)
	ev := testEvent("r1", EventToolCallFinished)
	ev.Payload = map[string]any{
		"call_id": "tc1",
		"tool":    "exec",
		"result":  map[string]any{"ok": true, "content": "{}"},
	}
	if _, err := wal.Append(ev); err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, err := wal.IterEvents("r1")
	if err != nil {
		t.Fatalf("IterEvents: %v", err)
	}
	result, _ := events[0].Payload["result"].(map[string]any)
	if result["ok"] != true {
		t.Errorf("payload lost through SQL round trip: %v", events[0].Payload)
	}
}

func TestSQLWAL_Locator(t *testing.T) {
	wal := openSQLiteWAL(t)
	if wal.Locator() != "wal://sql/test" {
		t.Errorf("Locator = %q", wal.Locator())
	}
}

func TestSQLWAL_AppendErrorPropagates(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	wal, err := NewSQLWAL(db, "wal://sql/mock")
	if err != nil {
		t.Fatalf("NewSQLWAL: %v", err)
	}

	mock.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("connection lost"))
	if _, err := wal.Append(testEvent("r1", EventRunStarted)); err == nil {
		t.Error("append over a dead connection should fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
