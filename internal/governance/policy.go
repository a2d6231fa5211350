// Package governance evaluates every state-mutating command against a
// scope-indexed, priority-ordered policy chain before it is admitted to a
// tick engine, and records a complete audit trail of each evaluation.
package governance

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/coord"
	"github.com/loomworks/loom/internal/event"
)

// Decision is the verdict of a single policy check or of a whole evaluation.
type Decision string

const (
	Permit Decision = "PERMIT"
	Deny   Decision = "DENY"
	Mutate Decision = "MUTATE"
)

// Scope selects which commands a policy applies to. The string forms are
// "global", "entity:{address}", "command:{type}", and "role:{role}".
type Scope string

// ScopeGlobal applies to every command.
const ScopeGlobal Scope = "global"

// EntityScope scopes a policy to commands targeting one entity address.
func EntityScope(addr coord.Address) Scope { return Scope("entity:" + string(addr)) }

// CommandScope scopes a policy to one command type.
func CommandScope(commandType string) Scope { return Scope("command:" + commandType) }

// RoleScope scopes a policy to commands issued by principals with one role.
func RoleScope(role string) Scope { return Scope("role:" + role) }

// Matches reports whether the scope applies to the command. A single command
// may match several scopes at once.
func (s Scope) Matches(cmd event.Command) bool {
	switch {
	case s == ScopeGlobal:
		return true
	case strings.HasPrefix(string(s), "entity:"):
		return string(cmd.EntityAddress) == strings.TrimPrefix(string(s), "entity:")
	case strings.HasPrefix(string(s), "command:"):
		return cmd.Type == strings.TrimPrefix(string(s), "command:")
	case strings.HasPrefix(string(s), "role:"):
		return cmd.ActorRole == strings.TrimPrefix(string(s), "role:")
	}
	return false
}

// Validate rejects malformed scope strings.
func (s Scope) Validate() error {
	if s == ScopeGlobal {
		return nil
	}
	for _, prefix := range []string{"entity:", "command:", "role:"} {
		if strings.HasPrefix(string(s), prefix) && len(s) > len(prefix) {
			return nil
		}
	}
	return fmt.Errorf("invalid policy scope %q", s)
}

// Context carries one command through a policy chain. Payload starts as the
// command payload and is replaced when a policy mutates it. Shared is
// caller-threaded state for policies that need cross-call memory (rate-limit
// counters and the like); policies themselves must stay stateless.
type Context struct {
	Command event.Command
	Payload json.RawMessage
	Shared  map[string]any
}

// NewContext builds an evaluation context for the command.
func NewContext(cmd event.Command) *Context {
	return &Context{Command: cmd, Payload: cmd.Payload, Shared: map[string]any{}}
}

// Result is one policy's verdict. For Mutate, Payload holds the replacement
// payload used by subsequent policies in the chain.
type Result struct {
	Decision Decision        `json:"decision"`
	Policy   string          `json:"policy"`
	Reason   string          `json:"reason,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// CheckFunc evaluates a command. It must be side-effect-free with respect to
// anything outside the returned Result.
type CheckFunc func(*Context) Result

// Policy is one entry in the governance chain. Policies are registered once
// at engine construction and read-only thereafter.
type Policy struct {
	Name     string
	Scope    Scope
	Priority int // lower evaluates first
	Enabled  bool
	Check    CheckFunc
}

// PermitResult is a convenience constructor for a PERMIT verdict.
func (p Policy) PermitResult(reason string) Result {
	return Result{Decision: Permit, Policy: p.Name, Reason: reason}
}

// DenyResult is a convenience constructor for a DENY verdict.
func (p Policy) DenyResult(reason string) Result {
	return Result{Decision: Deny, Policy: p.Name, Reason: reason}
}

// MutateResult is a convenience constructor for a MUTATE verdict with a
// replacement payload.
func (p Policy) MutateResult(reason string, payload json.RawMessage) Result {
	return Result{Decision: Mutate, Policy: p.Name, Reason: reason, Payload: payload}
}
