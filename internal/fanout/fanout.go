// Package fanout carries room events between server nodes.
//
// Every node subscribes to the channels of rooms that have at least one local
// connection, plus a broadcast channel. A published event is delivered to
// every subscribed node, the publisher included, and each node pushes it to
// its own connections. Delivery is at-least-once and ordered per room for a
// single publisher; there is no order across rooms.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrUnavailable means the transport rejected a publish or subscribe.
var ErrUnavailable = errors.New("fanout: bus unavailable")

// ErrNotStarted is returned by Subscribe before Start.
var ErrNotStarted = errors.New("fanout: bus not started")

// Broadcast is the pseudo room delivered to every connection on every node.
const Broadcast int64 = 0

// Event is the envelope carried on the wire between nodes.
type Event struct {
	Room     int64           `json:"room"`
	Name     string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	Origin   string          `json:"origin,omitempty"`
	SkipConn string          `json:"skipConn,omitempty"`
}

// Handler receives events for rooms this node is subscribed to. It is called
// from a single goroutine per bus.
type Handler func(Event)

// PublishOption adjusts an outgoing event.
type PublishOption func(*Event)

// SkipConn suppresses delivery to one connection, typically the sender of a
// typing signal.
func SkipConn(connID string) PublishOption {
	return func(e *Event) { e.SkipConn = connID }
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(ctx context.Context, room int64, name string, payload any, opts ...PublishOption) error
}

// Bus is a node's handle on the fanout transport. Subscribe and Unsubscribe
// are reference counted: the transport subscription is created on the first
// Subscribe for a room and dropped when the count returns to zero.
type Bus interface {
	Publisher
	Start(ctx context.Context, h Handler) error
	Subscribe(ctx context.Context, room int64) error
	Unsubscribe(ctx context.Context, room int64) error
	Close() error
}

func newEvent(origin string, room int64, name string, payload any, opts []PublishOption) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("fanout: encode %s payload: %w", name, err)
	}
	ev := Event{Room: room, Name: name, Payload: raw, Origin: origin}
	for _, opt := range opts {
		opt(&ev)
	}
	return ev, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func roomSuffix(room int64) string {
	return strconv.FormatInt(room, 10)
}

// refCounts tracks local subscribers per room. Callers hold the owning bus
// lock.
type refCounts map[int64]int

// acquire reports whether room went from zero to one.
func (r refCounts) acquire(room int64) bool {
	r[room]++
	return r[room] == 1
}

// release reports whether room went from one to zero. Releasing an unknown
// room is a no-op.
func (r refCounts) release(room int64) bool {
	n, ok := r[room]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(r, room)
		return true
	}
	r[room] = n - 1
	return false
}
