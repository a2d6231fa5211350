package tick

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomworks/loom/internal/event"
	"github.com/loomworks/loom/internal/idgen"
)

// State of the engine's tick loop.
type State string

const (
	StateIdle             State = "idle"
	StateTickActive       State = "tick_active"
	StateCascadeResolving State = "cascade_resolving"
	StateClosed           State = "closed"
)

var (
	// ErrBackpressure is returned when the immediate queue is full. The
	// caller must retry or report the event undelivered; the queue never
	// grows without bound.
	ErrBackpressure = errors.New("immediate queue full")
	// ErrEngineClosed is returned once the engine has shut down.
	ErrEngineClosed = errors.New("tick engine closed")
)

// Config holds the tick engine tunables. Zero values take defaults.
type Config struct {
	// Interval is the fixed wall-clock tick interval. Default 100ms.
	Interval time.Duration
	// MaxDepth bounds cascade depth per correlation chain. Default 8.
	MaxDepth int
	// TickBudget bounds the number of events processed within one tick;
	// derived events beyond it are deferred to the next tick. Default 1024.
	TickBudget int
	// QueueSize is the immediate-event queue capacity. Default 1024.
	QueueSize int
	// StallGraceMultiple is how many intervals a tick may run before it is
	// reported stalled. The tick still runs to completion. Default 10.
	StallGraceMultiple int
	// TraceLimit bounds how many correlation traces are retained. Default 1024.
	TraceLimit int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 100 * time.Millisecond
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 8
	}
	if c.TickBudget <= 0 {
		c.TickBudget = 1024
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.StallGraceMultiple <= 0 {
		c.StallGraceMultiple = 10
	}
	if c.TraceLimit <= 0 {
		c.TraceLimit = 1024
	}
	return c
}

// Report summarizes one completed tick.
type Report struct {
	Tick       uint64        `json:"tick"`
	Drained    int           `json:"drained"`
	Processed  int           `json:"processed"`
	Derived    int           `json:"derived"`
	Deferred   int           `json:"deferred"`
	Dropped    int           `json:"dropped"`
	RuleErrors int           `json:"rule_errors"`
	Truncated  int           `json:"truncated"`
	Elapsed    time.Duration `json:"elapsed"`
	Stalled    bool          `json:"stalled"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher streams every processed event to the bus, best-effort.
func WithPublisher(p event.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithStallHandler installs a callback invoked when a tick overruns its
// grace window. The callback runs on the tick goroutine after the tick has
// completed.
func WithStallHandler(fn func(tick uint64, elapsed time.Duration)) Option {
	return func(e *Engine) { e.onStall = fn }
}

// Engine is one realm's tick engine. Rules are fixed at construction and
// evaluated in registration order. Ticks are strictly serialized: a tick
// never begins before the previous one has drained its batch and resolved
// all cascades up to the depth and budget limits.
type Engine struct {
	realm     string
	cfg       Config
	rules     []Rule
	queue     chan event.Event
	traces    *traceSet
	publisher event.Publisher
	logger    *slog.Logger
	onStall   func(uint64, time.Duration)

	tickMu sync.Mutex // serializes RunTick
	state  atomic.Value
	tick   atomic.Uint64
	closed atomic.Bool
}

// NewEngine builds an engine for the named realm with the given rule set.
func NewEngine(realm string, cfg Config, rules []Rule, opts ...Option) (*Engine, error) {
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		realm:     realm,
		cfg:       cfg,
		rules:     append([]Rule(nil), rules...),
		queue:     make(chan event.Event, cfg.QueueSize),
		traces:    newTraceSet(cfg.TraceLimit),
		publisher: &event.NoopPublisher{},
		logger:    slog.Default(),
	}
	e.state.Store(StateIdle)
	for _, opt := range opts {
		opt(e)
	}
	e.traces.logger = e.logger
	return e, nil
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return e.state.Load().(State) }

// Tick returns the number of completed ticks.
func (e *Engine) Tick() uint64 { return e.tick.Load() }

// Interval returns the configured tick interval.
func (e *Engine) Interval() time.Duration { return e.cfg.Interval }

// Trace returns a snapshot of the cascade trace for the correlation id.
func (e *Engine) Trace(correlationID string) (Trace, bool) {
	return e.traces.snapshot(correlationID)
}

// FinalizedTraces returns snapshots of all finalized traces, oldest first.
func (e *Engine) FinalizedTraces() []Trace {
	return e.traces.finalizedTraces()
}

// Enqueue adds an event to the immediate queue for the next tick. It never
// blocks: a full queue returns ErrBackpressure.
func (e *Engine) Enqueue(ev event.Event) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	select {
	case e.queue <- ev:
		return nil
	default:
		return ErrBackpressure
	}
}

// Pending returns the number of events waiting in the immediate queue.
func (e *Engine) Pending() int { return len(e.queue) }

// Drain removes and returns all pending events without processing them.
// Used at deregistration so discarded events are reported, never silent.
func (e *Engine) Drain() []event.Event {
	var out []event.Event
	for {
		select {
		case ev := <-e.queue:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// Close marks the engine terminal. Pending events stay in the queue for the
// owner to Drain and report. A tick already in flight completes; no new
// tick begins.
func (e *Engine) Close() {
	if e.closed.CompareAndSwap(false, true) {
		e.tickMu.Lock()
		e.state.Store(StateClosed)
		e.tickMu.Unlock()
	}
}

// Run drives RunTick on the configured fixed interval until the context is
// cancelled or the engine is closed. Ticks never overlap: a tick that
// overruns its interval delays the next one rather than skipping it.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.closed.Load() {
				return
			}
			e.RunTick(ctx)
		}
	}
}

// RunTick executes one complete tick synchronously: drain the immediate
// queue into a working batch, evaluate every rule against every event in
// FIFO order, append derived events to the batch within the tick budget,
// and defer overflow to the next tick. It returns a report of what happened.
func (e *Engine) RunTick(ctx context.Context) Report {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	if e.closed.Load() {
		return Report{}
	}

	start := time.Now()
	tickNum := e.tick.Add(1)
	e.state.Store(StateTickActive)

	batch := e.Drain()
	report := Report{Tick: tickNum, Drained: len(batch)}

	e.state.Store(StateCascadeResolving)
	touched := make(map[string]struct{})
	deferred := make(map[string]struct{})

	for i := 0; i < len(batch); i++ {
		ev := batch[i]
		ev.Tick = tickNum
		touched[ev.CorrelationID] = struct{}{}
		e.traces.append(ev.CorrelationID, TraceEntry{Kind: EntryEvent, Event: ev, Depth: ev.Depth})
		report.Processed++

		for _, rule := range e.rules {
			if !rule.Trigger(ev) {
				continue
			}
			children, err := rule.Effect(ev)
			if err != nil {
				report.RuleErrors++
				e.traces.append(ev.CorrelationID, TraceEntry{
					Kind: EntryRuleError, Rule: rule.Name, Depth: ev.Depth,
					Note: err.Error(),
				})
				e.logger.Warn("rule effect failed",
					"realm", e.realm, "rule", rule.Name, "tick", tickNum,
					"correlation_id", ev.CorrelationID, "err", err)
				continue
			}
			if len(children) == 0 {
				continue
			}

			limit := e.cfg.MaxDepth
			if rule.MaxDepth > 0 && rule.MaxDepth < limit {
				limit = rule.MaxDepth
			}
			childDepth := ev.Depth + 1
			if childDepth > limit {
				if !e.traces.truncated(ev.CorrelationID) {
					report.Truncated++
					e.traces.markTruncated(ev.CorrelationID)
					e.traces.append(ev.CorrelationID, TraceEntry{
						Kind: EntryTruncation, Rule: rule.Name, Depth: childDepth,
						Note: fmt.Sprintf("cascade depth limit %d exceeded", limit),
					})
					e.logger.Warn("cascade depth exceeded",
						"realm", e.realm, "rule", rule.Name, "tick", tickNum,
						"correlation_id", ev.CorrelationID, "depth", childDepth)
				}
				continue
			}

			for _, d := range children {
				id, err := idgen.Event()
				if err != nil {
					e.logger.Warn("failed to generate event id", "realm", e.realm, "err", err)
					continue
				}
				child := event.Event{
					ID:             id,
					Coordinate:     d.Coordinate,
					Payload:        d.Payload,
					CausalParentID: ev.ID,
					CorrelationID:  ev.CorrelationID,
					Depth:          childDepth,
				}
				report.Derived++

				placed := false
				if len(batch) < e.cfg.TickBudget {
					batch = append(batch, child)
					placed = true
				} else {
					select {
					case e.queue <- child:
						report.Deferred++
						deferred[child.CorrelationID] = struct{}{}
						placed = true
					default:
						report.Dropped++
						e.traces.append(child.CorrelationID, TraceEntry{
							Kind: EntryOverflowDrop, Rule: rule.Name, Depth: childDepth,
							Note: "immediate queue full, derived event dropped",
						})
						e.logger.Warn("derived event dropped",
							"realm", e.realm, "rule", rule.Name, "tick", tickNum,
							"correlation_id", child.CorrelationID)
					}
				}
				if !placed {
					continue
				}

				if err := e.publisher.Publish(ctx, event.TopicEventDerived, child); err != nil {
					e.logger.Warn("failed to publish derived event",
						"realm", e.realm, "event_id", child.ID, "err", err)
				}
			}
		}
	}

	// A chain with nothing deferred has fully resolved within this tick.
	for corr := range touched {
		if _, open := deferred[corr]; !open {
			e.traces.finalize(corr)
		}
	}

	report.Elapsed = time.Since(start)
	grace := time.Duration(e.cfg.StallGraceMultiple) * e.cfg.Interval
	if report.Elapsed > grace {
		report.Stalled = true
		e.logger.Warn("stalled tick",
			"realm", e.realm, "tick", tickNum,
			"elapsed", report.Elapsed, "grace", grace)
		if e.onStall != nil {
			e.onStall(tickNum, report.Elapsed)
		}
	}

	e.state.Store(StateIdle)
	return report
}
