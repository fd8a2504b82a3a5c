// Package server coordinates client registration, room delivery, and
// connection cleanup for the chat gateway via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/nexus-chat-server/internal/auth"
	"github.com/Tyrowin/nexus-chat-server/internal/chat"
	"github.com/Tyrowin/nexus-chat-server/internal/fanout"
	"github.com/Tyrowin/nexus-chat-server/internal/presence"
	"github.com/Tyrowin/nexus-chat-server/internal/rooms"
	"github.com/Tyrowin/nexus-chat-server/internal/storage"
)

const (
	setupTimeout   = 10 * time.Second
	cleanupTimeout = 5 * time.Second
	requestTimeout = 10 * time.Second
)

// Deps are the collaborators a Hub serves connections with.
type Deps struct {
	Node     string
	Presence presence.Registry
	Bus      fanout.Bus
	Store    storage.Store
	Chat     *chat.Service
	Auth     *auth.Verifier
}

// Hub owns the connections accepted by this node. Events arriving from the
// fanout bus are pushed to the local connections joined to the event's room.
type Hub struct {
	node     string
	presence presence.Registry
	bus      fanout.Bus
	store    storage.Store
	chat     *chat.Service
	auth     *auth.Verifier
	rooms    *rooms.Manager

	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	deliver    chan fanout.Event
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a hub for the given collaborators. Call Start before
// accepting connections.
func NewHub(d Deps) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		node:       d.Node,
		presence:   d.Presence,
		bus:        d.Bus,
		store:      d.Store,
		chat:       d.Chat,
		auth:       d.Auth,
		rooms:      rooms.NewManager(d.Bus),
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliver:    make(chan fanout.Event, 256),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start attaches the hub to the fanout bus and launches the event loop.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.bus.Start(ctx, h.Deliver); err != nil {
		return err
	}
	go h.Run()
	log.Printf("[hub] node %s ready to manage websocket connections", h.node)
	return nil
}

// Node returns the id of the node this hub runs on.
func (h *Hub) Node() string {
	return h.node
}

// Rooms exposes the local membership manager.
func (h *Hub) Rooms() *rooms.Manager {
	return h.rooms
}

// ConnectionCount returns the number of live local connections.
func (h *Hub) ConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Deliver queues an event from the bus for local delivery. It is the bus
// handler and must not be called after Shutdown.
func (h *Hub) Deliver(ev fanout.Event) {
	select {
	case h.deliver <- ev:
	case <-h.ctx.Done():
	}
}

// Register hands a freshly upgraded client to the hub. It reports false if
// the hub is shutting down.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Run starts the hub's main event loop, handling client registration,
// unregistration, and delivery of bus events. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				log.Printf("[hub] received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client.id] = client
			clientCount := len(h.clients)
			h.mutex.Unlock()
			log.Printf("[hub] client %s (user %s) registered from %s. Total clients: %d",
				client.id, client.identity.UserID, client.addr, clientCount)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.remove(client, "unregistered")

		case ev := <-h.deliver:
			h.handleDelivery(ev)
		}
	}
}

// remove drops client from the hub and closes its send channel, which ends
// its write pump. Removing a client twice is a no-op.
func (h *Hub) remove(client *Client, reason string) {
	h.mutex.Lock()
	current, ok := h.clients[client.id]
	if !ok || current != client {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client.id)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Close the channel after releasing the lock
	close(client.send)
	log.Printf("[hub] client %s %s. Total clients: %d", client.id, reason, clientCount)
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[hub] recovered from panic in safeSend: %v", r)
		}
	}()

	// Hold the lock during the send so remove cannot close the channel underneath us.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if current, exists := h.clients[client.id]; !exists || current != client || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// push sends one encoded frame to client, dropping the client if its buffer
// is full.
func (h *Hub) push(client *Client, message []byte) {
	if !h.safeSend(client, message) {
		h.removeFailedClients([]*Client{client})
	}
}

// handleDelivery pushes a bus event to every local connection in its room.
func (h *Hub) handleDelivery(ev fanout.Event) {
	targets := h.targets(ev.Room)
	if len(targets) == 0 {
		return
	}

	payload, err := json.Marshal(Frame{Event: ev.Name, Data: ev.Payload})
	if err != nil {
		log.Printf("[hub] dropping %s event for room %d: %v", ev.Name, ev.Room, err)
		return
	}

	var messageID int64
	if ev.Name == chat.EventMessageNew {
		var head struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(ev.Payload, &head); err == nil {
			messageID = head.ID
		}
	}

	var clientsToRemove []*Client
	for _, client := range targets {
		if ev.SkipConn != "" && client.id == ev.SkipConn {
			continue
		}
		if messageID != 0 && !client.firstSight(messageID) {
			continue
		}
		if !h.safeSend(client, payload) {
			clientsToRemove = append(clientsToRemove, client)
		}
	}
	h.removeFailedClients(clientsToRemove)
}

// targets resolves the local recipients of room. The broadcast room reaches
// every local connection.
func (h *Hub) targets(room int64) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if room == fanout.Broadcast {
		clients := make([]*Client, 0, len(h.clients))
		for _, client := range h.clients {
			clients = append(clients, client)
		}
		return clients
	}

	ids := h.rooms.Members(room)
	clients := make([]*Client, 0, len(ids))
	for _, id := range ids {
		if client, ok := h.clients[id]; ok {
			clients = append(clients, client)
		}
	}
	return clients
}

// removeFailedClients removes clients that failed to receive messages and closes their channels
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	for _, client := range clientsToRemove {
		h.remove(client, "removed due to full send buffer")
	}
}

// connect runs the connection setup: the initial room joins, presence
// registration and the online broadcast. On failure the client is told why
// and false is returned; the caller then tears the connection down.
func (h *Hub) connect(c *Client) bool {
	ctx, cancel := context.WithTimeout(h.ctx, setupTimeout)
	defer cancel()

	userID := c.identity.UserID
	roomIDs, err := h.store.RoomsForUser(ctx, userID)
	if err != nil {
		log.Printf("[hub] refusing client %s: load rooms: %v", c.id, err)
		c.sendError("", chat.CodeUnavailable, "could not load rooms", true)
		return false
	}
	for _, room := range roomIDs {
		if err := h.rooms.Join(ctx, c.id, room); err != nil {
			log.Printf("[hub] refusing client %s: %v", c.id, err)
			c.sendError("", chat.CodeUnavailable, "could not join rooms", true)
			return false
		}
	}

	// A connection refused before this point is unknown to the registry, so
	// its cleanup reports no offline transition.
	wentOnline, err := h.presence.Register(ctx, userID, c.id)
	if err != nil {
		log.Printf("[presence] refusing client %s: %v", c.id, err)
		c.sendError("", chat.CodeUnavailable, "presence registry unavailable", true)
		return false
	}

	if wentOnline {
		if err := h.bus.Publish(ctx, fanout.Broadcast, chat.EventPresenceOnline, chat.PresenceEvent{UserID: userID}); err != nil {
			log.Printf("[presence] online broadcast for %s failed: %v", userID, err)
		}
	}

	c.sendFrame(EventSessionReady, SessionReady{
		ConnectionID: c.id,
		UserID:       userID,
		Username:     c.identity.Username,
		Node:         h.node,
		Rooms:        h.rooms.Rooms(c.id),
	}, "")
	return true
}

// disconnect is the single cleanup path for a connection, whether it closed
// gracefully or not. It leaves every room, unregisters presence, broadcasts
// the offline transition and finally drops the client from the hub.
func (h *Hub) disconnect(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if _, err := h.rooms.LeaveAll(ctx, c.id); err != nil {
		log.Printf("[hub] client %s: %v", c.id, err)
	}

	userID := c.identity.UserID
	wentOffline, err := h.presence.Unregister(ctx, userID, c.id)
	switch {
	case err != nil:
		log.Printf("[presence] unregister %s/%s failed, left for node purge: %v", userID, c.id, err)
	case wentOffline:
		h.broadcastOffline(ctx, userID)
	}

	select {
	case h.unregister <- c:
	case <-h.done:
		h.remove(c, "unregistered after shutdown")
	}
}

func (h *Hub) broadcastOffline(ctx context.Context, userID string) {
	lastSeen, err := h.presence.LastSeen(ctx, userID)
	if err != nil || lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}
	ev := chat.PresenceEvent{UserID: userID, LastSeen: &lastSeen}
	if err := h.bus.Publish(ctx, fanout.Broadcast, chat.EventPresenceOffline, ev); err != nil {
		log.Printf("[presence] offline broadcast for %s failed: %v", userID, err)
	}
}

// BroadcastOffline announces users that went offline outside the normal
// disconnect path, such as connections purged after a node crash.
func (h *Hub) BroadcastOffline(ctx context.Context, userIDs []string) {
	for _, userID := range userIDs {
		h.broadcastOffline(ctx, userID)
	}
}

// presenceStates answers a presence query. Users the registry could not be
// asked about come back with Known false.
func (h *Hub) presenceStates(ctx context.Context, userIDs []string) []chat.PresenceState {
	out := make([]chat.PresenceState, 0, len(userIDs))
	for _, userID := range userIDs {
		online, err := h.presence.IsOnline(ctx, userID)
		if err != nil {
			if !errors.Is(err, presence.ErrUnavailable) {
				log.Printf("[presence] query %s: %v", userID, err)
			}
			out = append(out, chat.PresenceState{UserID: userID})
			continue
		}
		out = append(out, chat.PresenceState{UserID: userID, Online: online, Known: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// shutdownClients closes every active connection. Their read pumps then run
// the normal disconnect cleanup.
func (h *Hub) shutdownClients() {
	log.Println("[hub] shutting down all client connections...")

	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("[hub] error closing client %s: %v", client.id, err)
				}
			}
		}
	}

	log.Printf("[hub] closed %d client connections", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("[hub] initiating shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[hub] shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("[hub] shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
