package governance

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/loomworks/loom/internal/event"
	"github.com/loomworks/loom/internal/idgen"
)

// Outcome is the final verdict of one evaluation over the applicable chain.
type Outcome struct {
	Decision  Decision `json:"decision"`
	Policy    string   `json:"policy,omitempty"` // deciding policy on DENY
	Reason    string   `json:"reason,omitempty"`
	Payload   []byte   `json:"payload,omitempty"` // final payload after any mutations
	Consulted []Result `json:"consulted"`
}

// Engine evaluates commands against an immutable policy chain. Construct one
// per coordinator; there is no process-global registry, so multiple engines
// (e.g. in tests) are fully independent.
type Engine struct {
	policies []Policy // sorted by ascending priority, registration order on ties
	audit    *AuditLog
	sink     AuditSink
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithAuditSink fans every audit entry out to the given sink (e.g. the
// durable event log). Sink failures are logged and do not affect the outcome.
func WithAuditSink(sink AuditSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine builds an engine from the given policies. The slice is copied
// and stably sorted by ascending priority so evaluation order is fixed for
// the life of the engine.
func NewEngine(policies []Policy, opts ...Option) (*Engine, error) {
	seen := make(map[string]struct{}, len(policies))
	for _, p := range policies {
		if p.Name == "" {
			return nil, fmt.Errorf("policy with empty name")
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("duplicate policy name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if err := p.Scope.Validate(); err != nil {
			return nil, fmt.Errorf("policy %q: %w", p.Name, err)
		}
		if p.Check == nil {
			return nil, fmt.Errorf("policy %q has no check function", p.Name)
		}
	}

	sorted := make([]Policy, len(policies))
	copy(sorted, policies)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	e := &Engine{
		policies: sorted,
		audit:    NewAuditLog(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Audit returns the engine's in-process audit log.
func (e *Engine) Audit() *AuditLog { return e.audit }

// Evaluate runs the command through every applicable policy in priority
// order. The first DENY short-circuits; MUTATE replaces the payload for the
// remaining policies. Exactly one audit entry is appended per call,
// whatever the outcome.
func (e *Engine) Evaluate(ctx context.Context, pctx *Context) Outcome {
	original := pctx.Command.Payload
	var consulted []Result

	outcome := Outcome{Decision: Permit}
	for _, p := range e.policies {
		if !p.Enabled || !p.Scope.Matches(pctx.Command) {
			continue
		}
		r := p.Check(pctx)
		if r.Policy == "" {
			r.Policy = p.Name
		}
		consulted = append(consulted, r)

		switch r.Decision {
		case Permit:
		case Deny:
			outcome = Outcome{
				Decision:  Deny,
				Policy:    p.Name,
				Reason:    r.Reason,
				Consulted: consulted,
			}
			e.record(ctx, pctx, outcome)
			return outcome
		case Mutate:
			pctx.Payload = r.Payload
		default:
			// A check returning a decision outside the known set fails
			// closed rather than slipping through as a permit.
			e.logger.Warn("policy returned invalid decision",
				"policy", p.Name, "decision", string(r.Decision))
			outcome = Outcome{
				Decision:  Deny,
				Policy:    p.Name,
				Reason:    fmt.Sprintf("policy %q returned invalid decision %q", p.Name, r.Decision),
				Consulted: consulted,
			}
			e.record(ctx, pctx, outcome)
			return outcome
		}
	}

	if !bytes.Equal(original, pctx.Payload) {
		outcome.Decision = Mutate
	}
	outcome.Payload = pctx.Payload
	outcome.Consulted = consulted
	e.record(ctx, pctx, outcome)
	return outcome
}

func (e *Engine) record(ctx context.Context, pctx *Context, outcome Outcome) {
	id, err := idgen.Audit()
	if err != nil {
		e.logger.Warn("failed to generate audit id", "err", err)
	}
	entry := AuditEntry{
		ID:            id,
		CorrelationID: pctx.Command.CorrelationID,
		CommandType:   pctx.Command.Type,
		EntityAddress: pctx.Command.EntityAddress,
		ActorID:       pctx.Command.ActorID,
		Decision:      outcome.Decision,
		Reason:        outcome.Reason,
		Consulted:     outcome.Consulted,
		At:            time.Now().UTC(),
	}
	e.audit.Append(entry)
	if e.sink != nil {
		if err := e.sink.RecordAudit(ctx, entry); err != nil {
			e.logger.Warn("failed to record audit entry",
				"correlation_id", entry.CorrelationID, "err", err)
		}
	}
}

// EvaluateCommand is a convenience wrapper that builds a fresh Context.
// Callers that thread shared policy state across evaluations should build
// the Context themselves and call Evaluate.
func (e *Engine) EvaluateCommand(ctx context.Context, cmd event.Command) Outcome {
	return e.Evaluate(ctx, NewContext(cmd))
}
