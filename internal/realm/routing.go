package realm

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/internal/event"
	"github.com/loomworks/loom/internal/governance"
)

// DeliveryStatus classifies the fate of one cross-realm delivery attempt.
type DeliveryStatus string

const (
	// Delivered means the event reached the realm's immediate queue.
	Delivered DeliveryStatus = "delivered"
	// Duplicate means the realm had already received this event id;
	// delivery is at-least-once, so duplicates are detected, not errors.
	Duplicate DeliveryStatus = "duplicate"
	// Backpressure means the realm's queue was full; the caller must retry.
	Backpressure DeliveryStatus = "backpressure"
	// Unavailable means the realm is terminal and rejects routed events.
	Unavailable DeliveryStatus = "unavailable"
)

// Delivery records one attempted delivery of a routed event.
type Delivery struct {
	RealmID string         `json:"realm_id"`
	Status  DeliveryStatus `json:"status"`
}

// RouteReport is the outcome of routing one cross-realm event.
type RouteReport struct {
	Decision   governance.Decision `json:"decision"`
	Policy     string              `json:"policy,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Deliveries []Delivery          `json:"deliveries,omitempty"`
}

// Route delivers a cross-realm event to every realm whose subscription
// pattern matches the event's target coordinate. Routing is itself a
// governed command (type "route", actor = source realm), so a realm can be
// governed out of receiving certain events from certain sources. The
// wrapped event's correlation id is preserved so causal traces remain
// reconstructible across realm boundaries. Matching terminal realms are
// reported Unavailable, never silently skipped.
func (c *Coordinator) Route(ctx context.Context, env event.CrossRealmEvent) (RouteReport, error) {
	if env.Event.ID == "" {
		return RouteReport{}, fmt.Errorf("cross-realm event has no event id")
	}
	if err := env.Target.Validate(); err != nil {
		return RouteReport{}, fmt.Errorf("cross-realm target: %w", err)
	}

	cmd := event.Command{
		Type:          RouteCommandType,
		ActorID:       env.SourceRealm,
		ActorRole:     "realm",
		Payload:       env.Event.Payload,
		CorrelationID: env.Event.CorrelationID,
	}
	outcome := c.gov.EvaluateCommand(ctx, cmd)
	if outcome.Decision == governance.Deny {
		return RouteReport{
			Decision: governance.Deny,
			Policy:   outcome.Policy,
			Reason:   outcome.Reason,
		}, nil
	}

	routed := env.Event
	routed.Coordinate = env.Target
	routed.Payload = outcome.Payload

	c.mu.RLock()
	targets := make([]*Instance, 0, len(c.realms))
	for _, inst := range c.realms {
		if inst.id == env.SourceRealm {
			continue
		}
		for _, p := range inst.patterns {
			if p.Matches(env.Target) {
				targets = append(targets, inst)
				break
			}
		}
	}
	c.mu.RUnlock()

	report := RouteReport{Decision: outcome.Decision, Reason: outcome.Reason}
	for _, inst := range targets {
		status := Unavailable
		if inst.Status() == StatusActive {
			status = inst.deliver(routed)
		}
		report.Deliveries = append(report.Deliveries, Delivery{RealmID: inst.id, Status: status})

		if status != Delivered {
			continue
		}
		if err := c.publisher.Publish(ctx, event.TopicEventRouted, event.CrossRealmEvent{
			SourceRealm: env.SourceRealm,
			Target:      env.Target,
			Event:       routed,
			EmittedAt:   env.EmittedAt,
		}); err != nil {
			c.logger.Warn("failed to publish routed event",
				"source", env.SourceRealm, "target_realm", inst.id,
				"event_id", routed.ID, "err", err)
		}
	}
	return report, nil
}
