// Package tick implements the fixed-interval tick engine: it drains an
// immediate-event queue each tick and applies declarative reaction rules to
// produce bounded-depth cascades with causal tracing.
package tick

import (
	"encoding/json"
	"fmt"

	"github.com/loomworks/loom/internal/coord"
	"github.com/loomworks/loom/internal/event"
)

// Derived describes an event a rule wants to emit. The engine fills in the
// event id, depth, tick number, correlation id, and causal parent, so rules
// stay pure functions of their input event.
type Derived struct {
	Coordinate coord.Coordinate
	Payload    json.RawMessage
}

// TriggerFunc decides whether a rule fires for an event.
type TriggerFunc func(event.Event) bool

// EffectFunc produces zero or more derived events for a fired rule. An error
// discards only this rule's contribution to the cascade; the tick continues.
type EffectFunc func(event.Event) ([]Derived, error)

// Rule is one declarative reaction rule. Rules are registered once at engine
// construction and evaluated in registration order, so cascades are
// reproducible given the same rule set and event sequence. Rules must be
// pure with respect to their explicit inputs.
type Rule struct {
	Name    string
	Trigger TriggerFunc
	Effect  EffectFunc

	// MaxDepth optionally tightens the engine-wide depth limit for events
	// derived by this rule. Zero means use the engine limit.
	MaxDepth int
}

func (r Rule) validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule with empty name")
	}
	if r.Trigger == nil {
		return fmt.Errorf("rule %q has no trigger predicate", r.Name)
	}
	if r.Effect == nil {
		return fmt.Errorf("rule %q has no effect function", r.Name)
	}
	if r.MaxDepth < 0 {
		return fmt.Errorf("rule %q has negative max depth", r.Name)
	}
	return nil
}
