package fanout

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus over Redis Pub/Sub. go-redis re-dials and
// re-subscribes every tracked channel after a connection loss, so room
// subscriptions survive reconnects without extra bookkeeping here.
//
// Subscribe and Unsubscribe return only after Redis confirmed the change on
// the subscription connection; the confirmations arrive through the receive
// loop.
type RedisBus struct {
	client *redis.Client
	node   string
	prefix string

	mu     sync.Mutex
	refs   refCounts
	pubsub *redis.PubSub
	done   chan struct{}

	waitMu  sync.Mutex
	waiters map[string][]chan struct{}
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus creates a bus for node using client for both publishing and
// the subscription connection.
func NewRedisBus(client *redis.Client, node, prefix string) *RedisBus {
	if prefix == "" {
		prefix = "chat:"
	}
	return &RedisBus{
		client:  client,
		node:    node,
		prefix:  prefix,
		refs:    make(refCounts),
		waiters: make(map[string][]chan struct{}),
	}
}

func (b *RedisBus) channel(room int64) string {
	if room == Broadcast {
		return b.prefix + "broadcast"
	}
	return b.prefix + "room:" + roomSuffix(room)
}

// Start subscribes to the broadcast channel and starts the receive loop.
func (b *RedisBus) Start(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ps := b.client.Subscribe(ctx, b.channel(Broadcast))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return unavailable("start", err)
	}
	b.pubsub = ps
	b.done = make(chan struct{})

	go b.loop(ps.ChannelWithSubscriptions(), h)
	log.Printf("[fanout] redis bus started for node %s", b.node)
	return nil
}

func (b *RedisBus) loop(ch <-chan any, h Handler) {
	defer close(b.done)
	for item := range ch {
		switch msg := item.(type) {
		case *redis.Subscription:
			b.confirm(msg.Kind, msg.Channel)
		case *redis.Message:
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("[fanout] dropping malformed event on %s: %v", msg.Channel, err)
				continue
			}
			h(ev)
		}
	}
}

func waitKey(kind, channel string) string {
	return kind + " " + channel
}

// expect registers interest in the next kind confirmation for channel.
func (b *RedisBus) expect(kind, channel string) chan struct{} {
	ch := make(chan struct{})
	key := waitKey(kind, channel)
	b.waitMu.Lock()
	b.waiters[key] = append(b.waiters[key], ch)
	b.waitMu.Unlock()
	return ch
}

func (b *RedisBus) confirm(kind, channel string) {
	key := waitKey(kind, channel)
	b.waitMu.Lock()
	waiting := b.waiters[key]
	delete(b.waiters, key)
	b.waitMu.Unlock()
	for _, ch := range waiting {
		close(ch)
	}
}

func (b *RedisBus) forget(kind, channel string, ch chan struct{}) {
	key := waitKey(kind, channel)
	b.waitMu.Lock()
	defer b.waitMu.Unlock()
	waiting := b.waiters[key]
	for i, w := range waiting {
		if w == ch {
			b.waiters[key] = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(b.waiters[key]) == 0 {
		delete(b.waiters, key)
	}
}

// await blocks until the confirmation registered by expect arrives.
func (b *RedisBus) await(ctx context.Context, kind, channel string, confirmed chan struct{}) error {
	select {
	case <-confirmed:
		return nil
	case <-ctx.Done():
		b.forget(kind, channel, confirmed)
		return ctx.Err()
	}
}

func (b *RedisBus) Publish(ctx context.Context, room int64, name string, payload any, opts ...PublishOption) error {
	ev, err := newEvent(b.node, room, name, payload, opts)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel(room), data).Err(); err != nil {
		return unavailable("publish "+name, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, room int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pubsub == nil {
		return ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return unavailable("subscribe", err)
	}
	if !b.refs.acquire(room) {
		return nil
	}

	channel := b.channel(room)
	confirmed := b.expect("subscribe", channel)
	err := b.pubsub.Subscribe(ctx, channel)
	if err == nil {
		err = b.await(ctx, "subscribe", channel, confirmed)
	} else {
		b.forget("subscribe", channel, confirmed)
	}
	if err != nil {
		b.refs.release(room)
		_ = b.pubsub.Unsubscribe(context.WithoutCancel(ctx), channel)
		return unavailable("subscribe", err)
	}
	return nil
}

func (b *RedisBus) Unsubscribe(ctx context.Context, room int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pubsub == nil || !b.refs.release(room) {
		return nil
	}
	channel := b.channel(room)
	confirmed := b.expect("unsubscribe", channel)
	if err := b.pubsub.Unsubscribe(ctx, channel); err != nil {
		b.forget("unsubscribe", channel, confirmed)
		return unavailable("unsubscribe", err)
	}
	if err := b.await(ctx, "unsubscribe", channel, confirmed); err != nil {
		return unavailable("unsubscribe", err)
	}
	return nil
}

// Subscribed reports the local reference count for room.
func (b *RedisBus) Subscribed(room int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refs[room]
}

// Close drops all subscriptions and waits for the receive loop to exit. The
// Redis client is left open for its owner.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	ps, done := b.pubsub, b.done
	b.pubsub = nil
	b.refs = make(refCounts)
	b.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}
