package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/loomworks/loom/internal/coord"
	"github.com/loomworks/loom/internal/event"
	"github.com/loomworks/loom/internal/eventlog"
	"github.com/loomworks/loom/internal/governance"
)

// newMockDB creates a sqlmock database with automatic cleanup and expectation checking.
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

// eventRowColumns is the column list for scanStoredEvent results.
var eventRowColumns = []string{
	"id", "topic", "correlation_id", "causal_parent_id", "tick", "depth",
	"coordinate", "payload", "recorded_at",
}

// auditRowColumns is the column list for scanAuditEntry results.
var auditRowColumns = []string{
	"id", "correlation_id", "command_type", "entity_address", "actor_id",
	"decision", "reason", "consulted", "recorded_at",
}

func testCoordinateJSON(t *testing.T) []byte {
	t.Helper()
	c := coord.Coordinate{
		Realm:   coord.Realm{Kind: "faction", Label: "factionA"},
		Horizon: coord.HorizonGenesis,
	}
	b, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal coordinate: %v", err)
	}
	return b
}

func TestQueryRecordEvent(t *testing.T) {
	db, mock := newMockDB(t)
	ev := event.Event{
		ID:            "evt-abc123def456",
		CorrelationID: "cor-abc123def456",
		Tick:          7,
		Depth:         1,
		Coordinate: coord.Coordinate{
			Realm:   coord.Realm{Kind: "faction", Label: "factionA"},
			Horizon: coord.HorizonGenesis,
		},
		Payload: json.RawMessage(`{"kind":"spawn"}`),
	}
	mock.ExpectExec("INSERT INTO events").
		WithArgs(
			"evt-abc123def456", "loom.event.accepted", "cor-abc123def456", "",
			int64(7), 1, sqlmock.AnyArg(), []byte(`{"kind":"spawn"}`),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := queryRecordEvent(context.Background(), db, event.TopicEventAccepted, ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQueryRecordEvent_NilPayloadStoredAsNull(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec("INSERT INTO events").
		WithArgs(
			"evt-abc123def456", "loom.event.derived", "cor-abc123def456", "evt-parent000001",
			int64(0), 0, sqlmock.AnyArg(), nil,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ev := event.Event{
		ID:             "evt-abc123def456",
		CorrelationID:  "cor-abc123def456",
		CausalParentID: "evt-parent000001",
	}
	if err := queryRecordEvent(context.Background(), db, event.TopicEventDerived, ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQueryRecordAudit(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()
	entry := governance.AuditEntry{
		ID:            "aud-abc123def456",
		CorrelationID: "cor-abc123def456",
		CommandType:   "spawn",
		EntityAddress: "deadbeef",
		ActorID:       "alice",
		Decision:      governance.Deny,
		Reason:        "spawns forbidden",
		Consulted: []governance.Result{
			{Decision: governance.Deny, Policy: "no-spawns", Reason: "spawns forbidden"},
		},
		At: now,
	}
	mock.ExpectExec("INSERT INTO audits").
		WithArgs(
			"aud-abc123def456", "cor-abc123def456", "spawn", "deadbeef", "alice",
			"DENY", "spawns forbidden", sqlmock.AnyArg(), now,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := queryRecordAudit(context.Background(), db, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQueryListEvents_Filters(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(eventRowColumns).AddRow(
		"evt-abc123def456", "loom.event.accepted", "cor-abc123def456", "",
		int64(3), 0, testCoordinateJSON(t), []byte(`{"kind":"spawn"}`), now,
	)
	mock.ExpectQuery("SELECT .+ FROM events WHERE correlation_id = \\$1 AND tick >= \\$2 .+ LIMIT \\$3").
		WithArgs("cor-abc123def456", int64(2), 10).
		WillReturnRows(rows)

	since := uint64(2)
	got, err := queryListEvents(context.Background(), db, eventlog.EventFilter{
		CorrelationID: "cor-abc123def456",
		SinceTick:     &since,
		Limit:         10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	se := got[0]
	if se.Event.ID != "evt-abc123def456" || se.Topic != "loom.event.accepted" {
		t.Errorf("stored event = %+v", se)
	}
	if se.Event.Tick != 3 {
		t.Errorf("tick = %d, want 3", se.Event.Tick)
	}
	if se.Event.Coordinate.Realm.Label != "factionA" {
		t.Errorf("coordinate not round-tripped: %+v", se.Event.Coordinate)
	}
	if string(se.Event.Payload) != `{"kind":"spawn"}` {
		t.Errorf("payload = %s", se.Event.Payload)
	}
}

func TestQueryListEvents_NoFilter(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(eventRowColumns)
	for i := 0; i < 3; i++ {
		rows.AddRow(
			fmt.Sprintf("evt-%012d", i), "loom.event.accepted", "cor-abc123def456", "",
			int64(i), 0, testCoordinateJSON(t), nil, now,
		)
	}
	mock.ExpectQuery("SELECT .+ FROM events ORDER BY recorded_at ASC").
		WillReturnRows(rows)

	got, err := queryListEvents(context.Background(), db, eventlog.EventFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("got %d events, want 3", len(got))
	}
}

func TestQueryListAudit(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	consulted, _ := json.Marshal([]governance.Result{
		{Decision: governance.Permit, Policy: "allow-all"},
	})
	rows := sqlmock.NewRows(auditRowColumns).AddRow(
		"aud-abc123def456", "cor-abc123def456", "spawn", "deadbeef", "alice",
		"PERMIT", nil, consulted, now,
	)
	mock.ExpectQuery("SELECT .+ FROM audits WHERE actor_id = \\$1 AND decision = \\$2").
		WithArgs("alice", "PERMIT").
		WillReturnRows(rows)

	got, err := queryListAudit(context.Background(), db, eventlog.AuditFilter{
		ActorID:  "alice",
		Decision: governance.Permit,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1", len(got))
	}
	entry := got[0]
	if entry.ActorID != "alice" || entry.Decision != governance.Permit {
		t.Errorf("entry = %+v", entry)
	}
	if len(entry.Consulted) != 1 || entry.Consulted[0].Policy != "allow-all" {
		t.Errorf("consulted not round-tripped: %+v", entry.Consulted)
	}
}

func TestJSONBBytes(t *testing.T) {
	if jsonbBytes(nil) != nil {
		t.Error("jsonbBytes(nil) should be nil")
	}
	if jsonbBytes(json.RawMessage{}) != nil {
		t.Error("jsonbBytes({}) should be nil")
	}
	input := json.RawMessage(`{"key":"value"}`)
	if string(jsonbBytes(input)) != `{"key":"value"}` {
		t.Errorf("jsonbBytes = %s", jsonbBytes(input))
	}
}
