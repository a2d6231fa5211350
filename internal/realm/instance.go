// Package realm implements the multi-instance coordinator: a registry of
// independently ticking realm instances driven by one master tick, with
// governed cross-realm event routing by coordinate pattern match.
package realm

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomworks/loom/internal/coord"
	"github.com/loomworks/loom/internal/event"
	"github.com/loomworks/loom/internal/tick"
)

// Status of a registered realm instance.
type Status string

const (
	StatusActive   Status = "active"
	StatusTerminal Status = "terminal"
)

// Config declares one realm at registration time.
type Config struct {
	// TickInterval is the realm's local tick cadence. It must be a positive
	// integer multiple of the coordinator's master interval; zero means tick
	// on every master tick. Any other ratio is a validation error.
	TickInterval time.Duration
	// Patterns are the coordinate subscriptions used for cross-realm routing.
	Patterns []coord.Pattern
	// Rules is the realm's reaction rule set, fixed for its lifetime.
	Rules []tick.Rule
	// Engine overrides tick engine tunables (MaxDepth, TickBudget,
	// QueueSize...). Interval is derived from TickInterval and ignored here.
	Engine tick.Config
}

// Instance is the per-realm registration state: one tick engine plus the
// metadata the coordinator needs to schedule and route to it. It is mutated
// only by its own tick goroutine and the coordinator's routing step.
type Instance struct {
	id           string
	registeredAt time.Time
	ratio        uint64 // local tick every N master ticks
	patterns     []coord.Pattern
	engine       *tick.Engine

	status    atomic.Value // Status
	localTick atomic.Uint64

	signal chan uint64 // master tick numbers
	done   chan struct{}

	// seen tracks routed event ids for duplicate detection, bounded FIFO.
	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
	seenLimit int
}

// ID returns the realm id.
func (i *Instance) ID() string { return i.id }

// RegisteredAt returns the registration time.
func (i *Instance) RegisteredAt() time.Time { return i.registeredAt }

// Status returns the instance liveness status.
func (i *Instance) Status() Status { return i.status.Load().(Status) }

// retire atomically moves the instance from active to terminal. Exactly one
// caller wins; concurrent deregistrations observe false and must not touch
// the done channel.
func (i *Instance) retire() bool {
	return i.status.CompareAndSwap(StatusActive, StatusTerminal)
}

// LocalTick returns the number of local ticks completed.
func (i *Instance) LocalTick() uint64 { return i.localTick.Load() }

// Engine exposes the realm's tick engine for trace inspection and enqueue.
func (i *Instance) Engine() *tick.Engine { return i.engine }

// Ratio returns how many master ticks elapse between local ticks.
func (i *Instance) Ratio() uint64 { return i.ratio }

// deliver places a routed event on the realm's immediate queue with
// duplicate detection by event id. The id is only remembered on successful
// delivery, so a Backpressure retry is not misreported as a duplicate. The
// dedup window is bounded FIFO so memory stays flat.
func (i *Instance) deliver(ev event.Event) DeliveryStatus {
	i.seenMu.Lock()
	defer i.seenMu.Unlock()
	if _, ok := i.seen[ev.ID]; ok {
		return Duplicate
	}
	if err := i.engine.Enqueue(ev); err != nil {
		if errors.Is(err, tick.ErrBackpressure) {
			return Backpressure
		}
		return Unavailable
	}
	i.seen[ev.ID] = struct{}{}
	i.seenOrder = append(i.seenOrder, ev.ID)
	if len(i.seenOrder) > i.seenLimit {
		evicted := i.seenOrder[0]
		i.seenOrder = i.seenOrder[1:]
		delete(i.seen, evicted)
	}
	return Delivered
}

// Info is a point-in-time snapshot of a realm instance.
type Info struct {
	ID           string    `json:"realm_id"`
	RegisteredAt time.Time `json:"registered_at"`
	Status       Status    `json:"status"`
	LocalTick    uint64    `json:"local_tick"`
	Pending      int       `json:"pending"`
	Ratio        uint64    `json:"ratio"`
}

func (i *Instance) info() Info {
	return Info{
		ID:           i.id,
		RegisteredAt: i.registeredAt,
		Status:       i.Status(),
		LocalTick:    i.LocalTick(),
		Pending:      i.engine.Pending(),
		Ratio:        i.ratio,
	}
}
