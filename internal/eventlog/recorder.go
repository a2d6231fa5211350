package eventlog

import (
	"context"
	"log/slog"

	"github.com/loomworks/loom/internal/event"
	"github.com/loomworks/loom/internal/governance"
)

// Recorder wraps an event.Publisher and persists every event that passes
// through it before forwarding to the bus. Persistence is best effort: a
// storage failure is logged and does not block publication, so a flaky
// database never stalls the tick loop.
type Recorder struct {
	store  Store
	next   event.Publisher
	logger *slog.Logger
}

var _ event.Publisher = (*Recorder)(nil)

// NewRecorder wraps next so published events are recorded to store.
func NewRecorder(store Store, next event.Publisher, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, next: next, logger: logger}
}

func (r *Recorder) Publish(ctx context.Context, topic string, payload any) error {
	switch p := payload.(type) {
	case event.Event:
		if err := r.store.RecordEvent(ctx, topic, p); err != nil {
			r.logger.Warn("failed to record event", "topic", topic, "event_id", p.ID, "err", err)
		}
	case event.CrossRealmEvent:
		if err := r.store.RecordEvent(ctx, topic, p.Event); err != nil {
			r.logger.Warn("failed to record routed event", "topic", topic, "event_id", p.Event.ID, "err", err)
		}
	}
	return r.next.Publish(ctx, topic, payload)
}

// Close closes the wrapped publisher. The store is owned by the caller.
func (r *Recorder) Close() error {
	return r.next.Close()
}

// AuditRecorder persists audit entries to the store and announces each one
// on the bus. Publication is best effort so a disconnected bus never hides
// a governance decision from the durable trail.
type AuditRecorder struct {
	store  Store
	bus    event.Publisher
	logger *slog.Logger
}

var _ governance.AuditSink = (*AuditRecorder)(nil)

// NewAuditRecorder builds a sink that writes entries to store and publishes
// them on bus under event.TopicAuditRecorded.
func NewAuditRecorder(store Store, bus event.Publisher, logger *slog.Logger) *AuditRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditRecorder{store: store, bus: bus, logger: logger}
}

func (a *AuditRecorder) RecordAudit(ctx context.Context, entry governance.AuditEntry) error {
	err := a.store.RecordAudit(ctx, entry)
	if pubErr := a.bus.Publish(ctx, event.TopicAuditRecorded, entry); pubErr != nil {
		a.logger.Warn("failed to publish audit entry", "audit_id", entry.ID, "err", pubErr)
	}
	return err
}
