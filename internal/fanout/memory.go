package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Broker is an in-process transport shared by one or more MemoryBus values.
// It backs single-node deployments and multi-node tests.
type Broker struct {
	mu    sync.RWMutex
	buses map[*MemoryBus]struct{}
	fail  error
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{buses: make(map[*MemoryBus]struct{})}
}

// Bus returns a new bus attached to the broker on behalf of node.
func (b *Broker) Bus(node string) *MemoryBus {
	bus := &MemoryBus{
		broker: b,
		node:   node,
		refs:   make(refCounts),
		queue:  make(chan Event, 1024),
	}
	b.mu.Lock()
	b.buses[bus] = struct{}{}
	b.mu.Unlock()
	return bus
}

// SetUnavailable makes every publish and subscribe fail until called again
// with false.
func (b *Broker) SetUnavailable(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if down {
		b.fail = errors.New("broker down")
	} else {
		b.fail = nil
	}
}

func (b *Broker) failure() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.fail
}

func (b *Broker) detach(bus *MemoryBus) {
	b.mu.Lock()
	delete(b.buses, bus)
	b.mu.Unlock()
}

func (b *Broker) publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.fail != nil {
		return unavailable("publish "+ev.Name, b.fail)
	}
	for bus := range b.buses {
		if err := bus.offer(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// MemoryBus is one node's view of a Broker.
type MemoryBus struct {
	broker *Broker
	node   string
	queue  chan Event

	mu      sync.Mutex
	refs    refCounts
	stop    chan struct{}
	done    chan struct{}
	started bool
}

var _ Bus = (*MemoryBus)(nil)

func (m *MemoryBus) Start(_ context.Context, h Handler) error {
	if err := m.broker.failure(); err != nil {
		return unavailable("start", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.started = true
	go m.loop(h)
	return nil
}

func (m *MemoryBus) loop(h Handler) {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case ev := <-m.queue:
			h(ev)
		}
	}
}

// offer enqueues ev if this bus listens on its room.
func (m *MemoryBus) offer(ctx context.Context, ev Event) error {
	m.mu.Lock()
	wants := m.started && (ev.Room == Broadcast || m.refs[ev.Room] > 0)
	stop := m.stop
	m.mu.Unlock()
	if !wants {
		return nil
	}
	select {
	case m.queue <- ev:
		return nil
	case <-stop:
		return nil
	case <-ctx.Done():
		return unavailable("publish "+ev.Name, ctx.Err())
	}
}

func (m *MemoryBus) Publish(ctx context.Context, room int64, name string, payload any, opts ...PublishOption) error {
	ev, err := newEvent(m.node, room, name, payload, opts)
	if err != nil {
		return err
	}
	// Round-trip through JSON so handlers see the same shape as on a real
	// transport.
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var wire Event
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	return m.broker.publish(ctx, wire)
}

func (m *MemoryBus) Subscribe(_ context.Context, room int64) error {
	if err := m.broker.failure(); err != nil {
		return unavailable("subscribe", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrNotStarted
	}
	m.refs.acquire(room)
	return nil
}

func (m *MemoryBus) Unsubscribe(_ context.Context, room int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs.release(room)
	return nil
}

// Subscribed reports the local reference count for room.
func (m *MemoryBus) Subscribed(room int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[room]
}

func (m *MemoryBus) Close() error {
	m.broker.detach(m)

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.refs = make(refCounts)
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done
	return nil
}
