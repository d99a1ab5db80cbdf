package telemetry

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cirrusops/cirrus/pkg/engine"
)

// EventFilter determines whether a subscriber receives an event.
type EventFilter func(event engine.StateEvent) bool

// EventPublisher is the in-process bus for deployment state changes. It
// implements engine.EventPublisher. Publishing never blocks: a subscriber
// whose buffer is full misses the event and its drop count grows.
type EventPublisher struct {
	config EventsConfig

	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool
}

type subscription struct {
	ch      chan engine.StateEvent
	filter  EventFilter
	dropped atomic.Int64
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &EventPublisher{
		config: cfg,
		subs:   make(map[uint64]*subscription),
	}
}

// PublishState delivers a state change to every matching subscriber.
func (ep *EventPublisher) PublishState(_ context.Context, event engine.StateEvent) {
	if !ep.config.Enabled {
		return
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return
	}
	for _, sub := range ep.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber and returns its event channel and a
// function that unsubscribes and closes the channel. A nil filter receives
// every event.
func (ep *EventPublisher) Subscribe(filter EventFilter) (<-chan engine.StateEvent, func()) {
	sub := &subscription{
		ch:     make(chan engine.StateEvent, ep.config.BufferSize),
		filter: filter,
	}

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := ep.nextID
	ep.nextID++
	ep.subs[id] = sub
	ep.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			ep.mu.Lock()
			defer ep.mu.Unlock()
			if _, ok := ep.subs[id]; ok {
				delete(ep.subs, id)
				close(sub.ch)
			}
		})
	}
}

// Dropped returns the total number of events lost by slow subscribers.
func (ep *EventPublisher) Dropped() int64 {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	var n int64
	for _, sub := range ep.subs {
		n += sub.dropped.Load()
	}
	return n
}

// Shutdown closes every subscriber channel. Later publishes are ignored.
func (ep *EventPublisher) Shutdown(_ context.Context) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return nil
	}
	ep.closed = true
	for id, sub := range ep.subs {
		close(sub.ch)
		delete(ep.subs, id)
	}
	return nil
}

// FilterByTenant only passes events of one tenant.
func FilterByTenant(tenantID string) EventFilter {
	return func(event engine.StateEvent) bool {
		return event.TenantID == tenantID
	}
}

// FilterByDeployment only passes events of one deployment.
func FilterByDeployment(deploymentID string) EventFilter {
	return func(event engine.StateEvent) bool {
		return event.DeploymentID == deploymentID
	}
}

// FilterByMachine only passes events of one machine.
func FilterByMachine(machineID string) EventFilter {
	return func(event engine.StateEvent) bool {
		return event.MachineID == machineID
	}
}

// FilterTerminal only passes transitions into a terminal state.
func FilterTerminal() EventFilter {
	return func(event engine.StateEvent) bool {
		return event.To.IsTerminal()
	}
}

// All combines filters; an event must pass every one of them.
func All(filters ...EventFilter) EventFilter {
	return func(event engine.StateEvent) bool {
		for _, f := range filters {
			if f != nil && !f(event) {
				return false
			}
		}
		return true
	}
}
