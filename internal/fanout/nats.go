package fanout

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSBus implements Bus over core NATS subjects. All subscriptions feed one
// channel drained by a single goroutine so the handler never runs
// concurrently with itself. nats.go replays subscriptions after reconnect.
type NATSBus struct {
	nc     *nats.Conn
	node   string
	prefix string

	mu      sync.Mutex
	refs    refCounts
	subs    map[int64]*nats.Subscription
	msgs    chan *nats.Msg
	stop    chan struct{}
	done    chan struct{}
	started bool
}

var _ Bus = (*NATSBus)(nil)

// NewNATSBus creates a bus for node on an established connection.
func NewNATSBus(nc *nats.Conn, node, prefix string) *NATSBus {
	if prefix == "" {
		prefix = "chat."
	}
	return &NATSBus{
		nc:     nc,
		node:   node,
		prefix: prefix,
		refs:   make(refCounts),
		subs:   make(map[int64]*nats.Subscription),
		msgs:   make(chan *nats.Msg, 1024),
	}
}

func (b *NATSBus) subject(room int64) string {
	if room == Broadcast {
		return b.prefix + "broadcast"
	}
	return b.prefix + "room." + roomSuffix(room)
}

func (b *NATSBus) Start(_ context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.subscribeLocked(Broadcast); err != nil {
		return err
	}
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	b.started = true

	go b.loop(h)
	log.Printf("[fanout] nats bus started for node %s", b.node)
	return nil
}

func (b *NATSBus) loop(h Handler) {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			return
		case msg := <-b.msgs:
			var ev Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				log.Printf("[fanout] dropping malformed event on %s: %v", msg.Subject, err)
				continue
			}
			h(ev)
		}
	}
}

func (b *NATSBus) subscribeLocked(room int64) error {
	sub, err := b.nc.ChanSubscribe(b.subject(room), b.msgs)
	if err != nil {
		return unavailable("subscribe", err)
	}
	// Flush so the server has the interest registered before we return.
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return unavailable("subscribe", err)
	}
	b.subs[room] = sub
	return nil
}

func (b *NATSBus) Publish(_ context.Context, room int64, name string, payload any, opts ...PublishOption) error {
	ev, err := newEvent(b.node, room, name, payload, opts)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.subject(room), data); err != nil {
		return unavailable("publish "+name, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(_ context.Context, room int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return ErrNotStarted
	}
	if !b.refs.acquire(room) {
		return nil
	}
	if err := b.subscribeLocked(room); err != nil {
		b.refs.release(room)
		return err
	}
	return nil
}

func (b *NATSBus) Unsubscribe(_ context.Context, room int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started || !b.refs.release(room) {
		return nil
	}
	sub, ok := b.subs[room]
	if !ok {
		return nil
	}
	delete(b.subs, room)
	if err := sub.Unsubscribe(); err != nil {
		return unavailable("unsubscribe", err)
	}
	return nil
}

// Subscribed reports the local reference count for room.
func (b *NATSBus) Subscribed(room int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refs[room]
}

// Close unsubscribes everything and stops the receive loop. The NATS
// connection is left open for its owner.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	for room, sub := range b.subs {
		_ = sub.Unsubscribe()
		delete(b.subs, room)
	}
	b.refs = make(refCounts)
	stop, done := b.stop, b.done
	b.mu.Unlock()

	close(stop)
	<-done
	return nil
}
