package governance

import (
	"context"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/coord"
)

// AuditEntry is the append-only record of one full policy evaluation. It
// lists every policy consulted, in order, with individual results, so the
// trail is complete even for denied commands.
type AuditEntry struct {
	ID            string        `json:"audit_id"`
	CorrelationID string        `json:"correlation_id"`
	CommandType   string        `json:"command_type"`
	EntityAddress coord.Address `json:"entity_address,omitempty"`
	ActorID       string        `json:"actor_id,omitempty"`
	Decision      Decision      `json:"decision"`
	Reason        string        `json:"reason,omitempty"`
	Consulted     []Result      `json:"consulted"`
	At            time.Time     `json:"at"`
}

// AuditSink receives audit entries for long-term retention. The in-process
// log guarantees ordering and completeness only for the current session;
// durable retention is the sink's job.
type AuditSink interface {
	RecordAudit(ctx context.Context, entry AuditEntry) error
}

// AuditLog is the in-process, append-only audit trail. Appends and reads may
// happen concurrently; entries are never mutated or removed.
type AuditLog struct {
	mu      sync.RWMutex
	entries []AuditEntry
}

// NewAuditLog returns an empty audit log.
func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

// Append adds one entry to the log.
func (l *AuditLog) Append(entry AuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

// Len returns the number of entries recorded so far.
func (l *AuditLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Filter narrows an audit query. Zero-valued fields match everything.
type Filter struct {
	Entity coord.Address
	Actor  string
	Since  time.Time
}

// Query returns entries matching the filter, in append order. The returned
// slice is a copy; the log itself stays immutable.
func (l *AuditLog) Query(f Filter) []AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []AuditEntry
	for _, e := range l.entries {
		if f.Entity != "" && e.EntityAddress != f.Entity {
			continue
		}
		if f.Actor != "" && e.ActorID != f.Actor {
			continue
		}
		if !f.Since.IsZero() && e.At.Before(f.Since) {
			continue
		}
		out = append(out, e)
	}
	return out
}
