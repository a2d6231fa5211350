package tick

import (
	"log/slog"
	"sync"

	"github.com/loomworks/loom/internal/event"
)

// EntryKind classifies one cascade trace entry.
type EntryKind string

const (
	// EntryEvent records an event processed as part of the cascade.
	EntryEvent EntryKind = "event"
	// EntryTruncation records that further derived events for the chain were
	// discarded because the depth limit was reached.
	EntryTruncation EntryKind = "truncation"
	// EntryRuleError records a rule effect that failed; its derived events
	// were discarded.
	EntryRuleError EntryKind = "rule_error"
	// EntryOverflowDrop records a derived event that could not be deferred
	// because the immediate queue was full.
	EntryOverflowDrop EntryKind = "overflow_drop"
)

// TraceEntry is one step in a cascade trace.
type TraceEntry struct {
	Kind  EntryKind   `json:"kind"`
	Event event.Event `json:"event,omitempty"`
	Rule  string      `json:"rule,omitempty"`
	Depth int         `json:"depth"`
	Note  string      `json:"note,omitempty"`
}

// Trace is the ordered record of every event causally descended from one
// originating command, with depth annotations and truncation/error markers.
// A trace is appended to during cascade resolution and becomes immutable
// once finalized.
type Trace struct {
	CorrelationID string       `json:"correlation_id"`
	Entries       []TraceEntry `json:"entries"`
	Truncated     bool         `json:"truncated"`
	Finalized     bool         `json:"finalized"`
}

// traceSet holds per-correlation traces for one engine, bounded in count so
// a long session cannot grow memory without limit. All mutation happens on
// the engine's tick goroutine; the lock exists so snapshot readers can run
// concurrently with an active tick.
type traceSet struct {
	mu     sync.RWMutex
	limit  int
	logger *slog.Logger
	order  []string
	byID   map[string]*Trace
}

func newTraceSet(limit int) *traceSet {
	return &traceSet{limit: limit, logger: slog.Default(), byID: make(map[string]*Trace)}
}

func (s *traceSet) locked(correlationID string) *Trace {
	if tr, ok := s.byID[correlationID]; ok {
		return tr
	}
	tr := &Trace{CorrelationID: correlationID}
	s.byID[correlationID] = tr
	s.order = append(s.order, correlationID)
	if len(s.order) > s.limit {
		s.evictLocked()
	}
	return tr
}

// evictLocked drops the oldest finalized trace. An unfinalized trace still
// has deferred events pending and must keep its truncation and error
// markers, so when every held trace is live the set stays over its limit
// and the overflow is reported instead.
func (s *traceSet) evictLocked() {
	for i, id := range s.order {
		tr := s.byID[id]
		if tr != nil && tr.Finalized {
			s.order = append(s.order[:i], s.order[i+1:]...)
			delete(s.byID, id)
			return
		}
	}
	s.logger.Warn("trace limit exceeded with no finalized trace to evict",
		"limit", s.limit, "held", len(s.order))
}

// append adds one entry to the trace for the correlation id, creating the
// trace if needed and reopening it if a deferred event arrived after
// finalization.
func (s *traceSet) append(correlationID string, e TraceEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr := s.locked(correlationID)
	tr.Finalized = false
	tr.Entries = append(tr.Entries, e)
}

// markTruncated flags the chain as depth-truncated.
func (s *traceSet) markTruncated(correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked(correlationID).Truncated = true
}

// truncated reports whether the chain already carries a truncation marker.
func (s *traceSet) truncated(correlationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.byID[correlationID]
	return ok && tr.Truncated
}

// finalize seals the trace at the end of a tick with no pending deferrals.
func (s *traceSet) finalize(correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok := s.byID[correlationID]; ok {
		tr.Finalized = true
	}
}

// snapshot returns a copy of the trace for the correlation id.
func (s *traceSet) snapshot(correlationID string) (Trace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.byID[correlationID]
	if !ok {
		return Trace{}, false
	}
	cp := *tr
	cp.Entries = make([]TraceEntry, len(tr.Entries))
	copy(cp.Entries, tr.Entries)
	return cp, true
}

// finalizedTraces returns copies of every finalized trace, in creation order.
func (s *traceSet) finalizedTraces() []Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Trace
	for _, id := range s.order {
		tr := s.byID[id]
		if tr == nil || !tr.Finalized {
			continue
		}
		cp := *tr
		cp.Entries = make([]TraceEntry, len(tr.Entries))
		copy(cp.Entries, tr.Entries)
		out = append(out, cp)
	}
	return out
}
