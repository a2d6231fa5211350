package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/event"
	"github.com/loomworks/loom/internal/governance"
)

// MemoryStore is an in-process Store. It keeps everything in insertion
// order and never evicts; it exists for tests and for runs without a
// database configured.
type MemoryStore struct {
	mu     sync.RWMutex
	events []StoredEvent
	audits []governance.AuditEntry
}

// Compile-time checks that MemoryStore implements Store and AuditSink.
var (
	_ Store                = (*MemoryStore)(nil)
	_ governance.AuditSink = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) RecordEvent(ctx context.Context, topic string, ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, StoredEvent{
		Topic:      topic,
		Event:      ev,
		RecordedAt: time.Now().UTC(),
	})
	return nil
}

func (s *MemoryStore) RecordAudit(ctx context.Context, entry governance.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, entry)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, f EventFilter) ([]StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []StoredEvent
	for _, se := range s.events {
		if f.Topic != "" && se.Topic != f.Topic {
			continue
		}
		if f.CorrelationID != "" && se.Event.CorrelationID != f.CorrelationID {
			continue
		}
		if f.SinceTick != nil && se.Event.Tick < *f.SinceTick {
			continue
		}
		out = append(out, se)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, f AuditFilter) ([]governance.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []governance.AuditEntry
	for _, entry := range s.audits {
		if f.ActorID != "" && entry.ActorID != f.ActorID {
			continue
		}
		if f.EntityAddress != "" && entry.EntityAddress != f.EntityAddress {
			continue
		}
		if f.Decision != "" && entry.Decision != f.Decision {
			continue
		}
		if !f.Since.IsZero() && entry.At.Before(f.Since) {
			continue
		}
		out = append(out, entry)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op; the store has no external resources.
func (s *MemoryStore) Close() error {
	return nil
}
