package realm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomworks/loom/internal/coord"
	"github.com/loomworks/loom/internal/event"
	"github.com/loomworks/loom/internal/governance"
	"github.com/loomworks/loom/internal/idgen"
	"github.com/loomworks/loom/internal/tick"
)

var (
	// ErrDuplicateRealm is returned when registering an id that is already
	// registered.
	ErrDuplicateRealm = errors.New("realm id already registered")
	// ErrRealmUnavailable is returned when the target realm is unknown or
	// has been deregistered.
	ErrRealmUnavailable = errors.New("realm unavailable")
)

// RouteCommandType is the command type under which cross-realm routing is
// evaluated by governance, so realms can be governed out of receiving
// certain events from certain sources.
const RouteCommandType = "route"

// CoordinatorConfig holds master-loop tunables. Zero values take defaults.
type CoordinatorConfig struct {
	// MasterInterval is the master tick cadence. Default 100ms.
	MasterInterval time.Duration
	// SignalTimeout bounds how long the master loop waits to hand a tick
	// signal to a busy realm before reporting it and moving on. Default is
	// one master interval.
	SignalTimeout time.Duration
	// DedupWindow is how many routed event ids each realm remembers for
	// duplicate detection. Default 4096.
	DedupWindow int
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.MasterInterval <= 0 {
		c.MasterInterval = 100 * time.Millisecond
	}
	if c.SignalTimeout <= 0 {
		c.SignalTimeout = c.MasterInterval
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 4096
	}
	return c
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithPublisher streams realm lifecycle and routed events to the bus.
func WithPublisher(p event.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// Coordinator synchronizes many realm instances under one master tick and
// routes events between them. Each realm runs its tick loop on its own
// goroutine; the coordinator talks to it purely over channels.
type Coordinator struct {
	cfg       CoordinatorConfig
	gov       *governance.Engine
	publisher event.Publisher
	logger    *slog.Logger

	mu     sync.RWMutex
	realms map[string]*Instance

	masterTick atomic.Uint64
	wg         sync.WaitGroup
}

// New builds a coordinator. The governance engine is consulted for every
// submitted command and every routed cross-realm event.
func New(cfg CoordinatorConfig, gov *governance.Engine, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:       cfg.withDefaults(),
		gov:       gov,
		publisher: &event.NoopPublisher{},
		logger:    slog.Default(),
		realms:    make(map[string]*Instance),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MasterTick returns the number of completed master ticks.
func (c *Coordinator) MasterTick() uint64 { return c.masterTick.Load() }

// MasterInterval returns the master tick cadence.
func (c *Coordinator) MasterInterval() time.Duration { return c.cfg.MasterInterval }

// Register creates a fresh tick engine and instance state for the realm id.
// The realm's tick interval must divide evenly into master ticks: zero means
// every master tick, otherwise it must be a positive integer multiple of the
// master interval (fractional ratios are rejected at registration).
func (c *Coordinator) Register(id string, rc Config) (*Instance, error) {
	if id == "" {
		return nil, fmt.Errorf("realm id is required")
	}
	ratio := uint64(1)
	interval := c.cfg.MasterInterval
	if rc.TickInterval != 0 {
		if rc.TickInterval < c.cfg.MasterInterval || rc.TickInterval%c.cfg.MasterInterval != 0 {
			return nil, fmt.Errorf("realm %q tick interval %v is not an integer multiple of master interval %v",
				id, rc.TickInterval, c.cfg.MasterInterval)
		}
		ratio = uint64(rc.TickInterval / c.cfg.MasterInterval)
		interval = rc.TickInterval
	}
	for _, p := range rc.Patterns {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("realm %q subscription: %w", id, err)
		}
	}

	engineCfg := rc.Engine
	engineCfg.Interval = interval
	engine, err := tick.NewEngine(id, engineCfg, rc.Rules,
		tick.WithPublisher(c.publisher), tick.WithLogger(c.logger))
	if err != nil {
		return nil, fmt.Errorf("realm %q: %w", id, err)
	}

	inst := &Instance{
		id:           id,
		registeredAt: time.Now().UTC(),
		ratio:        ratio,
		patterns:     append([]coord.Pattern(nil), rc.Patterns...),
		engine:       engine,
		signal:       make(chan uint64),
		done:         make(chan struct{}),
		seen:         make(map[string]struct{}),
		seenLimit:    c.cfg.DedupWindow,
	}
	inst.status.Store(StatusActive)

	c.mu.Lock()
	if _, dup := c.realms[id]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("realm %q: %w", id, ErrDuplicateRealm)
	}
	c.realms[id] = inst
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runRealm(inst)

	c.logger.Info("realm registered", "realm", id, "ratio", ratio, "interval", interval)
	if err := c.publisher.Publish(context.Background(), event.TopicRealmRegistered, inst.info()); err != nil {
		c.logger.Warn("failed to publish realm registration", "realm", id, "err", err)
	}
	return inst, nil
}

// runRealm is the realm's tick goroutine: it waits for master tick signals
// and runs local ticks until deregistration.
func (c *Coordinator) runRealm(inst *Instance) {
	defer c.wg.Done()
	for {
		select {
		case <-inst.done:
			return
		case <-inst.signal:
			inst.engine.RunTick(context.Background())
			inst.localTick.Add(1)
		}
	}
}

// Deregister drains and reports the realm's pending events, marks the
// instance terminal, and stops its tick goroutine. The instance stays in
// the registry so later routes are rejected with ErrRealmUnavailable
// instead of silently dropped. Returns the drained events.
func (c *Coordinator) Deregister(id string) ([]event.Event, error) {
	c.mu.RLock()
	inst, ok := c.realms[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("realm %q: %w", id, ErrRealmUnavailable)
	}
	// The active->terminal transition has exactly one winner, so concurrent
	// deregistrations cannot both close the done channel.
	if !inst.retire() {
		return nil, fmt.Errorf("realm %q: %w", id, ErrRealmUnavailable)
	}
	close(inst.done)
	inst.engine.Close()
	pending := inst.engine.Drain()

	c.logger.Info("realm deregistered", "realm", id, "discarded_pending", len(pending))
	if err := c.publisher.Publish(context.Background(), event.TopicRealmDeregistered, inst.info()); err != nil {
		c.logger.Warn("failed to publish realm deregistration", "realm", id, "err", err)
	}
	return pending, nil
}

// Realm returns the instance for the id, if registered (terminal included).
func (c *Coordinator) Realm(id string) (*Instance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.realms[id]
	return inst, ok
}

// Realms returns a snapshot of every registered instance.
func (c *Coordinator) Realms() []Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Info, 0, len(c.realms))
	for _, inst := range c.realms {
		out = append(out, inst.info())
	}
	return out
}

// Run drives the master tick loop until the context is cancelled. Call
// Shutdown afterwards to stop the realm goroutines.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.MasterInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.stepMaster()
		}
	}
}

// stepMaster advances the master tick and signals every realm whose ratio
// is due. A realm still busy with its previous tick is given SignalTimeout
// to accept the signal; overruns are reported, never silently skipped —
// the realm's own serialized engine guarantees the tick still happens in
// order once it catches up.
func (c *Coordinator) stepMaster() {
	mt := c.masterTick.Add(1)

	c.mu.RLock()
	due := make([]*Instance, 0, len(c.realms))
	for _, inst := range c.realms {
		if inst.Status() != StatusActive {
			continue
		}
		if mt%inst.ratio == 0 {
			due = append(due, inst)
		}
	}
	c.mu.RUnlock()

	for _, inst := range due {
		select {
		case inst.signal <- mt:
		case <-inst.done:
		case <-time.After(c.cfg.SignalTimeout):
			c.logger.Warn("realm missed master tick signal",
				"realm", inst.id, "master_tick", mt, "timeout", c.cfg.SignalTimeout)
		}
	}
}

// Shutdown deregisters every active realm, reporting discarded events per
// realm, and waits for all realm goroutines to stop.
func (c *Coordinator) Shutdown() {
	c.mu.RLock()
	ids := make([]string, 0, len(c.realms))
	for id, inst := range c.realms {
		if inst.Status() == StatusActive {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()

	for _, id := range ids {
		if _, err := c.Deregister(id); err != nil && !errors.Is(err, ErrRealmUnavailable) {
			c.logger.Warn("failed to deregister realm at shutdown", "realm", id, "err", err)
		}
	}
	c.wg.Wait()
}

// Receipt reports the outcome of a submitted command.
type Receipt struct {
	Decision      governance.Decision `json:"decision"`
	Policy        string              `json:"policy,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	EventID       string              `json:"event_id,omitempty"`
	CorrelationID string              `json:"correlation_id"`
}

// SubmitCommand is the inbound command path: the command is evaluated by
// governance and, on PERMIT or MUTATE, becomes a depth-zero event on the
// realm's immediate queue at the given coordinate. A DENY is a normal
// receipt, not an error; a denied command leaves no trace in the realm.
func (c *Coordinator) SubmitCommand(ctx context.Context, realmID string, cmd event.Command, at coord.Coordinate) (Receipt, error) {
	c.mu.RLock()
	inst, ok := c.realms[realmID]
	c.mu.RUnlock()
	if !ok || inst.Status() != StatusActive {
		return Receipt{}, fmt.Errorf("realm %q: %w", realmID, ErrRealmUnavailable)
	}
	if err := at.Validate(); err != nil {
		return Receipt{}, fmt.Errorf("command coordinate: %w", err)
	}

	if cmd.CorrelationID == "" {
		corr, err := idgen.Correlation()
		if err != nil {
			return Receipt{}, fmt.Errorf("generating correlation id: %w", err)
		}
		cmd.CorrelationID = corr
	}

	outcome := c.gov.EvaluateCommand(ctx, cmd)
	if outcome.Decision == governance.Deny {
		return Receipt{
			Decision:      governance.Deny,
			Policy:        outcome.Policy,
			Reason:        outcome.Reason,
			CorrelationID: cmd.CorrelationID,
		}, nil
	}

	id, err := idgen.Event()
	if err != nil {
		return Receipt{}, fmt.Errorf("generating event id: %w", err)
	}
	ev := event.Event{
		ID:            id,
		Coordinate:    at,
		Payload:       outcome.Payload,
		CorrelationID: cmd.CorrelationID,
	}
	if err := inst.engine.Enqueue(ev); err != nil {
		return Receipt{}, fmt.Errorf("realm %q: %w", realmID, err)
	}

	if err := c.publisher.Publish(ctx, event.TopicEventAccepted, ev); err != nil {
		c.logger.Warn("failed to publish accepted event",
			"realm", realmID, "event_id", ev.ID, "err", err)
	}
	return Receipt{
		Decision:      outcome.Decision,
		Reason:        outcome.Reason,
		EventID:       ev.ID,
		CorrelationID: cmd.CorrelationID,
	}, nil
}
