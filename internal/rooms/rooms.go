// Package rooms tracks which local connections are joined to which rooms and
// keeps the node's fanout subscriptions in step with that membership.
package rooms

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Subscriber is the part of the fanout bus the manager drives.
type Subscriber interface {
	Subscribe(ctx context.Context, room int64) error
	Unsubscribe(ctx context.Context, room int64) error
}

// Manager holds room membership for the connections on this node. Membership
// is never persisted; it is rebuilt from the store on every connect.
type Manager struct {
	bus Subscriber

	mu     sync.RWMutex
	byConn map[string]map[int64]struct{}
	byRoom map[int64]map[string]struct{}
}

// NewManager returns an empty manager that subscribes through bus.
func NewManager(bus Subscriber) *Manager {
	return &Manager{
		bus:    bus,
		byConn: make(map[string]map[int64]struct{}),
		byRoom: make(map[int64]map[string]struct{}),
	}
}

// Join adds connID to room. Joining a room twice is a no-op. If the bus
// subscription fails the membership is rolled back.
func (m *Manager) Join(ctx context.Context, connID string, room int64) error {
	m.mu.Lock()
	if _, ok := m.byConn[connID][room]; ok {
		m.mu.Unlock()
		return nil
	}
	m.add(connID, room)
	m.mu.Unlock()

	if err := m.bus.Subscribe(ctx, room); err != nil {
		m.mu.Lock()
		m.remove(connID, room)
		m.mu.Unlock()
		return fmt.Errorf("join room %d: %w", room, err)
	}
	return nil
}

// Leave removes connID from room. Leaving a room the connection is not in is
// a no-op.
func (m *Manager) Leave(ctx context.Context, connID string, room int64) error {
	m.mu.Lock()
	if _, ok := m.byConn[connID][room]; !ok {
		m.mu.Unlock()
		return nil
	}
	m.remove(connID, room)
	m.mu.Unlock()

	if err := m.bus.Unsubscribe(ctx, room); err != nil {
		return fmt.Errorf("leave room %d: %w", room, err)
	}
	return nil
}

// LeaveAll removes connID from every room and returns the rooms it left,
// sorted. Unsubscribe failures are reported but every room is still
// released locally.
func (m *Manager) LeaveAll(ctx context.Context, connID string) ([]int64, error) {
	m.mu.Lock()
	joined := m.byConn[connID]
	left := make([]int64, 0, len(joined))
	for room := range joined {
		left = append(left, room)
	}
	for _, room := range left {
		m.remove(connID, room)
	}
	m.mu.Unlock()

	sort.Slice(left, func(i, j int) bool { return left[i] < left[j] })

	var firstErr error
	for _, room := range left {
		if err := m.bus.Unsubscribe(ctx, room); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("leave room %d: %w", room, err)
		}
	}
	return left, firstErr
}

// Members returns the local connections joined to room.
func (m *Manager) Members(room int64) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := m.byRoom[room]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Rooms returns the rooms connID is joined to, sorted.
func (m *Manager) Rooms(connID string) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	joined := m.byConn[connID]
	out := make([]int64, 0, len(joined))
	for room := range joined {
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsMember reports whether connID is joined to room.
func (m *Manager) IsMember(connID string, room int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byConn[connID][room]
	return ok
}

func (m *Manager) add(connID string, room int64) {
	if m.byConn[connID] == nil {
		m.byConn[connID] = make(map[int64]struct{})
	}
	m.byConn[connID][room] = struct{}{}
	if m.byRoom[room] == nil {
		m.byRoom[room] = make(map[string]struct{})
	}
	m.byRoom[room][connID] = struct{}{}
}

func (m *Manager) remove(connID string, room int64) {
	if rooms, ok := m.byConn[connID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(m.byConn, connID)
		}
	}
	if conns, ok := m.byRoom[room]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(m.byRoom, room)
		}
	}
}
