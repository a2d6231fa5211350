package realm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/coord"
	"github.com/loomworks/loom/internal/event"
	"github.com/loomworks/loom/internal/governance"
	"github.com/loomworks/loom/internal/tick"
)

func crossRealmEnv(source string, target coord.Coordinate) event.CrossRealmEvent {
	return event.CrossRealmEvent{
		SourceRealm: source,
		Target:      target,
		Event: event.Event{
			ID:            "evt-route-000001",
			Coordinate:    target,
			Payload:       json.RawMessage(`{"kind":"migration"}`),
			CorrelationID: "cor-route-000001",
		},
		EmittedAt: time.Now().UTC(),
	}
}

// Scenario: two realms, R2 subscribed to faction-label factionA. An event
// from R1 targeting a factionA coordinate lands on R2's queue with its
// correlation id intact; after R2 deregisters the same route reports
// Unavailable.
func TestRoute_PatternMatchPreservesCorrelation(t *testing.T) {
	c := newCoordinator(t, permitAllEngine(t))
	if _, err := c.Register("R1", Config{}); err != nil {
		t.Fatalf("Register R1: %v", err)
	}
	r2, err := c.Register("R2", Config{
		Patterns: []coord.Pattern{{RealmLabel: "factionA"}},
	})
	if err != nil {
		t.Fatalf("Register R2: %v", err)
	}

	env := crossRealmEnv("R1", factionACoord())
	report, err := c.Route(context.Background(), env)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if report.Decision != governance.Permit {
		t.Fatalf("decision = %s, want PERMIT", report.Decision)
	}
	if len(report.Deliveries) != 1 {
		t.Fatalf("deliveries = %+v, want exactly one", report.Deliveries)
	}
	if d := report.Deliveries[0]; d.RealmID != "R2" || d.Status != Delivered {
		t.Fatalf("delivery = %+v, want R2 delivered", d)
	}

	r2.Engine().RunTick(context.Background())
	tr, ok := r2.Engine().Trace(env.Event.CorrelationID)
	if !ok {
		t.Fatal("routed event's correlation id has no trace in R2")
	}
	if len(tr.Entries) == 0 || tr.Entries[0].Event.ID != env.Event.ID {
		t.Errorf("R2 trace = %+v, want routed event first", tr.Entries)
	}

	if _, err := c.Deregister("R2"); err != nil {
		t.Fatalf("Deregister R2: %v", err)
	}
	report, err = c.Route(context.Background(), crossRealmEnvWithID("R1", factionACoord(), "evt-route-000002"))
	if err != nil {
		t.Fatalf("Route after deregister: %v", err)
	}
	if len(report.Deliveries) != 1 || report.Deliveries[0].Status != Unavailable {
		t.Errorf("post-deregister deliveries = %+v, want R2 unavailable", report.Deliveries)
	}
}

func crossRealmEnvWithID(source string, target coord.Coordinate, id string) event.CrossRealmEvent {
	env := crossRealmEnv(source, target)
	env.Event.ID = id
	return env
}

func TestRoute_SourceRealmExcluded(t *testing.T) {
	c := newCoordinator(t, permitAllEngine(t))
	if _, err := c.Register("R1", Config{
		Patterns: []coord.Pattern{{RealmLabel: "factionA"}},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	report, err := c.Route(context.Background(), crossRealmEnv("R1", factionACoord()))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(report.Deliveries) != 0 {
		t.Errorf("deliveries = %+v, want none: source must not receive its own event", report.Deliveries)
	}
}

func TestRoute_DuplicateDetection(t *testing.T) {
	c := newCoordinator(t, permitAllEngine(t))
	if _, err := c.Register("R2", Config{
		Patterns: []coord.Pattern{{RealmLabel: "factionA"}},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	env := crossRealmEnv("R1", factionACoord())
	first, err := c.Route(context.Background(), env)
	if err != nil {
		t.Fatalf("first Route: %v", err)
	}
	if first.Deliveries[0].Status != Delivered {
		t.Fatalf("first delivery = %s, want delivered", first.Deliveries[0].Status)
	}

	second, err := c.Route(context.Background(), env)
	if err != nil {
		t.Fatalf("second Route: %v", err)
	}
	if second.Deliveries[0].Status != Duplicate {
		t.Errorf("second delivery = %s, want duplicate", second.Deliveries[0].Status)
	}
}

func TestRoute_BackpressureNotMarkedSeen(t *testing.T) {
	c := newCoordinator(t, permitAllEngine(t))
	r2, err := c.Register("R2", Config{
		Patterns: []coord.Pattern{{RealmLabel: "factionA"}},
		Engine:   tick.Config{QueueSize: 1},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r2.Engine().Enqueue(event.Event{ID: "evt-filler-000001"}); err != nil {
		t.Fatalf("filler Enqueue: %v", err)
	}

	env := crossRealmEnv("R1", factionACoord())
	report, err := c.Route(context.Background(), env)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if report.Deliveries[0].Status != Backpressure {
		t.Fatalf("delivery = %s, want backpressure", report.Deliveries[0].Status)
	}

	// A retry after the queue drains must be delivered, not misreported
	// as a duplicate of the failed attempt.
	r2.Engine().RunTick(context.Background())
	report, err = c.Route(context.Background(), env)
	if err != nil {
		t.Fatalf("retry Route: %v", err)
	}
	if report.Deliveries[0].Status != Delivered {
		t.Errorf("retry delivery = %s, want delivered", report.Deliveries[0].Status)
	}
}

func TestRoute_GovernedDeny(t *testing.T) {
	deny := governance.Policy{Name: "quarantine", Scope: governance.CommandScope(RouteCommandType), Priority: 1, Enabled: true}
	deny.Check = func(pctx *governance.Context) governance.Result {
		if pctx.Command.ActorID == "R1" {
			return deny.DenyResult("realm R1 is quarantined")
		}
		return deny.PermitResult("")
	}
	gov, err := governance.NewEngine([]governance.Policy{deny})
	if err != nil {
		t.Fatalf("governance.NewEngine: %v", err)
	}

	c := newCoordinator(t, gov)
	r2, err := c.Register("R2", Config{
		Patterns: []coord.Pattern{{RealmLabel: "factionA"}},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	report, err := c.Route(context.Background(), crossRealmEnv("R1", factionACoord()))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if report.Decision != governance.Deny || report.Policy != "quarantine" {
		t.Fatalf("report = %+v, want DENY by quarantine", report)
	}
	if len(report.Deliveries) != 0 {
		t.Errorf("deliveries = %+v, want none on denial", report.Deliveries)
	}
	if r2.Engine().Pending() != 0 {
		t.Errorf("R2 pending = %d, want 0 after denied route", r2.Engine().Pending())
	}
}

func TestRoute_NoMatchingRealm(t *testing.T) {
	c := newCoordinator(t, permitAllEngine(t))
	if _, err := c.Register("R2", Config{
		Patterns: []coord.Pattern{{RealmLabel: "factionB"}},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	report, err := c.Route(context.Background(), crossRealmEnv("R1", factionACoord()))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(report.Deliveries) != 0 {
		t.Errorf("deliveries = %+v, want none for non-matching pattern", report.Deliveries)
	}
}

func TestRoute_RejectsInvalidEnvelope(t *testing.T) {
	c := newCoordinator(t, permitAllEngine(t))

	env := crossRealmEnv("R1", factionACoord())
	env.Event.ID = ""
	if _, err := c.Route(context.Background(), env); err == nil {
		t.Error("Route accepted an event without an id")
	}

	bad := crossRealmEnv("R1", coord.Coordinate{Horizon: "nonsense"})
	if _, err := c.Route(context.Background(), bad); err == nil {
		t.Error("Route accepted an invalid target coordinate")
	}
}
