// Package event defines the event, command, and routing envelope types that
// flow through the tick engine and coordinator, plus the bus interfaces used
// to stream them to external consumers.
package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomworks/loom/internal/coord"
)

// TopicPrefix is the namespace every loom bus subject lives under.
const TopicPrefix = "loom."

// Bus subject constants. Subjects nest under "loom." so consumers can
// subscribe with wildcards like "loom.event.>".
const (
	TopicEventAccepted = "loom.event.accepted"
	TopicEventDerived  = "loom.event.derived"
	TopicEventRouted   = "loom.event.routed"
	TopicAuditRecorded = "loom.audit.recorded"

	// Realm lifecycle topics.
	TopicRealmRegistered   = "loom.realm.registered"
	TopicRealmDeregistered = "loom.realm.deregistered"
)

// Event is one immutable occurrence inside a realm. Events are created when
// a command is accepted or when a reaction rule fires; once emitted they are
// never mutated.
type Event struct {
	ID             string           `json:"event_id"`
	Coordinate     coord.Coordinate `json:"coordinate"`
	Payload        json.RawMessage  `json:"payload,omitempty"`
	CausalParentID string           `json:"causal_parent_id,omitempty"`
	CorrelationID  string           `json:"correlation_id"`
	Tick           uint64           `json:"tick_number"`
	Depth          int              `json:"depth"`
}

// Command is an inbound state-mutating request. Every command passes through
// governance before it may reach a tick engine's immediate queue.
type Command struct {
	Type          string          `json:"command_type"`
	EntityAddress coord.Address   `json:"entity_address"`
	ActorID       string          `json:"actor_id"`
	ActorRole     string          `json:"actor_role"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id"`
}

// CrossRealmEvent is the envelope used to route an event originating in one
// realm to other realms whose subscriptions match the target coordinate.
// The wrapped event's correlation ID is preserved across the realm boundary.
type CrossRealmEvent struct {
	SourceRealm string           `json:"source_realm"`
	Target      coord.Coordinate `json:"target"`
	Event       Event            `json:"event"`
	EmittedAt   time.Time        `json:"emitted_at"`
}

// Publisher is the interface for emitting events to the bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// NoopPublisher discards everything. It stands in for the bus when NATS is
// not configured, so callers never branch on a nil publisher.
type NoopPublisher struct{}

func (*NoopPublisher) Publish(context.Context, string, any) error { return nil }

func (*NoopPublisher) Close() error { return nil }
