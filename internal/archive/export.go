package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/loomworks/loom/internal/eventlog"
)

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version    string    `json:"version"`
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	EventCount int       `json:"event_count"`
	AuditCount int       `json:"audit_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ExportJSONL writes all events and audit entries from the store as JSONL
// to w. Events are sorted by event id so repeated exports of the same store
// produce identical output.
func ExportJSONL(ctx context.Context, s eventlog.Store, w io.Writer) error {
	events, err := s.ListEvents(ctx, eventlog.EventFilter{})
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Event.ID < events[j].Event.ID
	})

	audits, err := s.ListAudit(ctx, eventlog.AuditFilter{})
	if err != nil {
		return fmt.Errorf("list audit entries: %w", err)
	}
	sort.Slice(audits, func(i, j int) bool {
		return audits[i].ID < audits[j].ID
	})

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:    "1",
		Type:       "header",
		Timestamp:  time.Now().UTC(),
		EventCount: len(events),
		AuditCount: len(audits),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	for _, se := range events {
		if err := enc.Encode(record{Type: "event", Data: se}); err != nil {
			return fmt.Errorf("encode event %s: %w", se.Event.ID, err)
		}
	}

	for _, entry := range audits {
		if err := enc.Encode(record{Type: "audit", Data: entry}); err != nil {
			return fmt.Errorf("encode audit %s: %w", entry.ID, err)
		}
	}

	return nil
}
