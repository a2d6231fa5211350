package main

import (
	"encoding/json"
	"fmt"

	"github.com/loomworks/loom/internal/coord"
	"github.com/loomworks/loom/internal/event"
	"github.com/loomworks/loom/internal/governance"
	"github.com/loomworks/loom/internal/tick"
)

// Builtin policy kinds available to loom file declarations.
const (
	policyPermitAll    = "permit-all"
	policyDenyCommand  = "deny-command"
	policyRoleGate     = "role-gate"
	policyPayloadCap   = "payload-cap"
	policyRedactFields = "redact-fields"
)

// buildPolicy constructs a governance policy from its declaration.
func buildPolicy(decl PolicyDecl) (governance.Policy, error) {
	if decl.Name == "" {
		return governance.Policy{}, fmt.Errorf("policy with empty name")
	}
	scope := governance.ScopeGlobal
	if decl.Scope != "" {
		scope = governance.Scope(decl.Scope)
	}
	p := governance.Policy{
		Name:     decl.Name,
		Scope:    scope,
		Priority: decl.Priority,
		Enabled:  !decl.Disabled,
	}
	if err := p.Scope.Validate(); err != nil {
		return governance.Policy{}, fmt.Errorf("policy %q: %w", decl.Name, err)
	}

	switch decl.Kind {
	case policyPermitAll:
		p.Check = func(*governance.Context) governance.Result {
			return p.PermitResult(decl.Reason)
		}

	case policyDenyCommand:
		p.Check = func(*governance.Context) governance.Result {
			return p.DenyResult(decl.Reason)
		}

	case policyRoleGate:
		if len(decl.Roles) == 0 {
			return governance.Policy{}, fmt.Errorf("policy %q: role-gate requires roles", decl.Name)
		}
		allowed := make(map[string]bool, len(decl.Roles))
		for _, role := range decl.Roles {
			allowed[role] = true
		}
		p.Check = func(pctx *governance.Context) governance.Result {
			if allowed[pctx.Command.ActorRole] {
				return p.PermitResult(decl.Reason)
			}
			return p.DenyResult(fmt.Sprintf("role %q not permitted", pctx.Command.ActorRole))
		}

	case policyPayloadCap:
		if decl.MaxBytes <= 0 {
			return governance.Policy{}, fmt.Errorf("policy %q: payload-cap requires positive max_bytes", decl.Name)
		}
		p.Check = func(pctx *governance.Context) governance.Result {
			if len(pctx.Payload) > decl.MaxBytes {
				return p.DenyResult(fmt.Sprintf("payload %d bytes exceeds cap of %d", len(pctx.Payload), decl.MaxBytes))
			}
			return p.PermitResult(decl.Reason)
		}

	case policyRedactFields:
		if len(decl.Fields) == 0 {
			return governance.Policy{}, fmt.Errorf("policy %q: redact-fields requires fields", decl.Name)
		}
		p.Check = func(pctx *governance.Context) governance.Result {
			redacted, changed := redactFields(pctx.Payload, decl.Fields)
			if !changed {
				return p.PermitResult(decl.Reason)
			}
			return p.MutateResult("redacted restricted fields", redacted)
		}

	default:
		return governance.Policy{}, fmt.Errorf("policy %q: unknown kind %q", decl.Name, decl.Kind)
	}
	return p, nil
}

// redactFields removes the named top-level keys from a JSON object payload.
// Non-object payloads pass through untouched.
func redactFields(payload json.RawMessage, fields []string) (json.RawMessage, bool) {
	if len(payload) == 0 {
		return payload, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return payload, false
	}
	changed := false
	for _, f := range fields {
		if _, ok := obj[f]; ok {
			delete(obj, f)
			changed = true
		}
	}
	if !changed {
		return payload, false
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return payload, false
	}
	return out, true
}

// Builtin reaction rules available to loom file declarations.
const (
	ruleEcho            = "echo"
	ruleHorizonAdvance  = "horizon-advance"
	ruleAdjacencyFanout = "adjacency-fanout"
)

func knownRule(name string) bool {
	switch name {
	case ruleEcho, ruleHorizonAdvance, ruleAdjacencyFanout:
		return true
	}
	return false
}

// nextHorizon maps each lifecycle stage to its successor. Crystallization
// is terminal.
var nextHorizon = map[coord.Horizon]coord.Horizon{
	coord.HorizonGenesis:   coord.HorizonEmergence,
	coord.HorizonEmergence: coord.HorizonPeak,
	coord.HorizonPeak:      coord.HorizonDecay,
	coord.HorizonDecay:     coord.HorizonCrystallization,
}

// buildRule constructs a builtin reaction rule by name.
func buildRule(name string) (tick.Rule, error) {
	switch name {
	case ruleEcho:
		// Re-emits externally submitted events once, at the same
		// coordinate. Depth-0 only, so it never cascades.
		return tick.Rule{
			Name:    ruleEcho,
			Trigger: func(ev event.Event) bool { return ev.Depth == 0 },
			Effect: func(ev event.Event) ([]tick.Derived, error) {
				return []tick.Derived{{Coordinate: ev.Coordinate, Payload: ev.Payload}}, nil
			},
		}, nil

	case ruleHorizonAdvance:
		// Walks an entity forward one lifecycle stage per event. The
		// cascade terminates at crystallization.
		return tick.Rule{
			Name: ruleHorizonAdvance,
			Trigger: func(ev event.Event) bool {
				_, ok := nextHorizon[ev.Coordinate.Horizon]
				return ok
			},
			Effect: func(ev event.Event) ([]tick.Derived, error) {
				c := ev.Coordinate
				c.Horizon = nextHorizon[c.Horizon]
				return []tick.Derived{{Coordinate: c, Payload: ev.Payload}}, nil
			},
		}, nil

	case ruleAdjacencyFanout:
		// Splits a multi-strand event into one event per adjacency
		// strand. Children carry a single strand, so the fanout is
		// one level deep.
		return tick.Rule{
			Name: ruleAdjacencyFanout,
			Trigger: func(ev event.Event) bool {
				return len(ev.Coordinate.Adjacency) > 1
			},
			Effect: func(ev event.Event) ([]tick.Derived, error) {
				out := make([]tick.Derived, 0, len(ev.Coordinate.Adjacency))
				for _, strand := range ev.Coordinate.Adjacency {
					c := ev.Coordinate
					c.Adjacency = []string{strand}
					out = append(out, tick.Derived{Coordinate: c, Payload: ev.Payload})
				}
				return out, nil
			},
		}, nil
	}
	return tick.Rule{}, fmt.Errorf("unknown rule %q", name)
}
