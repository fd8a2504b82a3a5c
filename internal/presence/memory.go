package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryState struct {
	mu       sync.Mutex
	conns    map[string]map[string]string // user -> conn -> node
	byNode   map[string]map[string]string // node -> conn -> user
	lastSeen map[string]time.Time
	now      func() time.Time
}

// MemoryRegistry is a process-local Registry. Registries returned by ForNode
// share state, which lets tests run several nodes against one "store".
type MemoryRegistry struct {
	node  string
	state *memoryState
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty registry for node.
func NewMemoryRegistry(node string) *MemoryRegistry {
	return &MemoryRegistry{
		node: node,
		state: &memoryState{
			conns:    make(map[string]map[string]string),
			byNode:   make(map[string]map[string]string),
			lastSeen: make(map[string]time.Time),
			now:      time.Now,
		},
	}
}

// ForNode returns a registry for another node backed by the same state.
func (r *MemoryRegistry) ForNode(node string) *MemoryRegistry {
	return &MemoryRegistry{node: node, state: r.state}
}

func (r *MemoryRegistry) Register(_ context.Context, userID, connID string) (bool, error) {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.conns[userID]
	if !ok {
		conns = make(map[string]string)
		s.conns[userID] = conns
	}
	first := len(conns) == 0
	conns[connID] = r.node

	nodeConns, ok := s.byNode[r.node]
	if !ok {
		nodeConns = make(map[string]string)
		s.byNode[r.node] = nodeConns
	}
	nodeConns[connID] = userID
	return first, nil
}

func (r *MemoryRegistry) Unregister(_ context.Context, userID, connID string) (bool, error) {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unregisterLocked(userID, connID), nil
}

func (s *memoryState) unregisterLocked(userID, connID string) bool {
	conns, ok := s.conns[userID]
	if !ok {
		return false
	}
	node, ok := conns[connID]
	if !ok {
		return false
	}
	delete(conns, connID)
	delete(s.byNode[node], connID)
	if len(conns) > 0 {
		return false
	}
	delete(s.conns, userID)
	s.lastSeen[userID] = s.now().UTC()
	return true
}

func (r *MemoryRegistry) IsOnline(_ context.Context, userID string) (bool, error) {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[userID]) > 0, nil
}

func (r *MemoryRegistry) ListOnline(_ context.Context) ([]string, error) {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]string, 0, len(s.conns))
	for id := range s.conns {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

func (r *MemoryRegistry) Connections(_ context.Context, userID string) ([]Connection, error) {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Connection, 0, len(s.conns[userID]))
	for id, node := range s.conns[userID] {
		out = append(out, Connection{ID: id, Node: node})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRegistry) LastSeen(_ context.Context, userID string) (time.Time, error) {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen[userID], nil
}

func (r *MemoryRegistry) PurgeNode(_ context.Context, nodeID string) ([]string, error) {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()

	var offline []string
	for connID, userID := range s.byNode[nodeID] {
		if s.unregisterLocked(userID, connID) {
			offline = append(offline, userID)
		}
	}
	delete(s.byNode, nodeID)
	sort.Strings(offline)
	return offline, nil
}

func (r *MemoryRegistry) Close() error { return nil }
