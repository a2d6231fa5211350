// Package eventlog defines the durable persistence interface for simulation
// events and governance audit entries, plus an in-memory implementation for
// tests and single-process runs.
package eventlog

import (
	"context"
	"time"

	"github.com/loomworks/loom/internal/coord"
	"github.com/loomworks/loom/internal/event"
	"github.com/loomworks/loom/internal/governance"
)

// StoredEvent is one persisted event with its bus topic and storage time.
type StoredEvent struct {
	Topic      string      `json:"topic"`
	Event      event.Event `json:"event"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// EventFilter narrows ListEvents results. Zero fields match everything.
type EventFilter struct {
	Topic         string
	CorrelationID string
	SinceTick     *uint64
	Limit         int
}

// AuditFilter narrows ListAudit results. Zero fields match everything.
type AuditFilter struct {
	ActorID       string
	EntityAddress coord.Address
	Decision      governance.Decision
	Since         time.Time
	Limit         int
}

// Store is the persistence interface for the event log. Implementations
// also satisfy governance.AuditSink, so a Store can be handed directly to
// the governance engine for durable audit retention.
type Store interface {
	RecordEvent(ctx context.Context, topic string, ev event.Event) error
	RecordAudit(ctx context.Context, entry governance.AuditEntry) error
	ListEvents(ctx context.Context, f EventFilter) ([]StoredEvent, error)
	ListAudit(ctx context.Context, f AuditFilter) ([]governance.AuditEntry, error)
	Close() error
}
