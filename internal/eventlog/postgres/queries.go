package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/event"
	"github.com/loomworks/loom/internal/eventlog"
	"github.com/loomworks/loom/internal/governance"
)

// eventColumns is the column list used for SELECT statements on the events table.
const eventColumns = `id, topic, correlation_id, causal_parent_id, tick, depth,
	coordinate, payload, recorded_at`

// auditColumns is the column list used for SELECT statements on the audits table.
const auditColumns = `id, correlation_id, command_type, entity_address, actor_id,
	decision, reason, consulted, recorded_at`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryRecordEvent(ctx context.Context, db executor, topic string, ev event.Event) error {
	coordJSON, err := json.Marshal(ev.Coordinate)
	if err != nil {
		return fmt.Errorf("marshal coordinate: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO events (
			id, topic, correlation_id, causal_parent_id, tick, depth,
			coordinate, payload, recorded_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, now()
		) ON CONFLICT (id) DO NOTHING`,
		ev.ID,
		topic,
		ev.CorrelationID,
		ev.CausalParentID,
		int64(ev.Tick),
		ev.Depth,
		coordJSON,
		jsonbBytes(ev.Payload),
	)
	return err
}

func queryRecordAudit(ctx context.Context, db executor, entry governance.AuditEntry) error {
	consulted, err := json.Marshal(entry.Consulted)
	if err != nil {
		return fmt.Errorf("marshal consulted results: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO audits (
			id, correlation_id, command_type, entity_address, actor_id,
			decision, reason, consulted, recorded_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9
		)`,
		entry.ID,
		entry.CorrelationID,
		entry.CommandType,
		string(entry.EntityAddress),
		entry.ActorID,
		string(entry.Decision),
		entry.Reason,
		consulted,
		entry.At,
	)
	return err
}

func queryListEvents(ctx context.Context, db executor, f eventlog.EventFilter) ([]eventlog.StoredEvent, error) {
	var (
		whereClauses []string
		args         []any
		argIdx       int
	)

	nextArg := func() string {
		argIdx++
		return fmt.Sprintf("$%d", argIdx)
	}

	if f.Topic != "" {
		whereClauses = append(whereClauses, "topic = "+nextArg())
		args = append(args, f.Topic)
	}
	if f.CorrelationID != "" {
		whereClauses = append(whereClauses, "correlation_id = "+nextArg())
		args = append(args, f.CorrelationID)
	}
	if f.SinceTick != nil {
		whereClauses = append(whereClauses, "tick >= "+nextArg())
		args = append(args, int64(*f.SinceTick))
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(whereClauses) > 0 {
		query += " WHERE " + strings.Join(whereClauses, " AND ")
	}
	query += " ORDER BY recorded_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT " + nextArg()
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []eventlog.StoredEvent
	for rows.Next() {
		se, err := scanStoredEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

func queryListAudit(ctx context.Context, db executor, f eventlog.AuditFilter) ([]governance.AuditEntry, error) {
	var (
		whereClauses []string
		args         []any
		argIdx       int
	)

	nextArg := func() string {
		argIdx++
		return fmt.Sprintf("$%d", argIdx)
	}

	if f.ActorID != "" {
		whereClauses = append(whereClauses, "actor_id = "+nextArg())
		args = append(args, f.ActorID)
	}
	if f.EntityAddress != "" {
		whereClauses = append(whereClauses, "entity_address = "+nextArg())
		args = append(args, string(f.EntityAddress))
	}
	if f.Decision != "" {
		whereClauses = append(whereClauses, "decision = "+nextArg())
		args = append(args, string(f.Decision))
	}
	if !f.Since.IsZero() {
		whereClauses = append(whereClauses, "recorded_at >= "+nextArg())
		args = append(args, f.Since)
	}

	query := `SELECT ` + auditColumns + ` FROM audits`
	if len(whereClauses) > 0 {
		query += " WHERE " + strings.Join(whereClauses, " AND ")
	}
	query += " ORDER BY recorded_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT " + nextArg()
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []governance.AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
