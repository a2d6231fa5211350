package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/loomworks/loom/internal/coord"
	"github.com/loomworks/loom/internal/eventlog"
	"github.com/loomworks/loom/internal/governance"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanStoredEvent scans a single row into an eventlog.StoredEvent.
// The row must contain columns in the order defined by eventColumns.
func scanStoredEvent(row scannable) (eventlog.StoredEvent, error) {
	var se eventlog.StoredEvent
	var (
		parentID   sql.NullString
		tick       int64
		coordinate []byte
		payload    []byte
	)

	err := row.Scan(
		&se.Event.ID,
		&se.Topic,
		&se.Event.CorrelationID,
		&parentID,
		&tick,
		&se.Event.Depth,
		&coordinate,
		&payload,
		&se.RecordedAt,
	)
	if err != nil {
		return eventlog.StoredEvent{}, err
	}

	se.Event.CausalParentID = parentID.String
	se.Event.Tick = uint64(tick)
	if err := json.Unmarshal(coordinate, &se.Event.Coordinate); err != nil {
		return eventlog.StoredEvent{}, fmt.Errorf("unmarshal coordinate: %w", err)
	}
	if len(payload) > 0 {
		se.Event.Payload = json.RawMessage(payload)
	}

	return se, nil
}

// scanAuditEntry scans a single row into a governance.AuditEntry.
// The row must contain columns in the order defined by auditColumns.
func scanAuditEntry(row scannable) (governance.AuditEntry, error) {
	var entry governance.AuditEntry
	var (
		entityAddress sql.NullString
		actorID       sql.NullString
		reason        sql.NullString
		consulted     []byte
	)

	err := row.Scan(
		&entry.ID,
		&entry.CorrelationID,
		&entry.CommandType,
		&entityAddress,
		&actorID,
		&entry.Decision,
		&reason,
		&consulted,
		&entry.At,
	)
	if err != nil {
		return governance.AuditEntry{}, err
	}

	entry.EntityAddress = coord.Address(entityAddress.String)
	entry.ActorID = actorID.String
	entry.Reason = reason.String
	if len(consulted) > 0 {
		if err := json.Unmarshal(consulted, &entry.Consulted); err != nil {
			return governance.AuditEntry{}, fmt.Errorf("unmarshal consulted results: %w", err)
		}
	}

	return entry, nil
}

// jsonbBytes converts a json.RawMessage to []byte for a JSONB column,
// mapping empty to nil so the column stores NULL instead of ''.
func jsonbBytes(m json.RawMessage) []byte {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}
