// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, presence lookups and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// WebSocketHandler authenticates the handshake, upgrades the connection and
// hands the new client to the hub, which launches its pumps.
func (h *Hub) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	identity, err := h.auth.Authenticate(r)
	if err != nil {
		log.Printf("[hub] rejected handshake from %s: %v", r.RemoteAddr, err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[hub] websocket upgrade failed: %v", err)
		return
	}

	client := NewClient(conn, h, r.RemoteAddr, identity)
	if !h.Register(client) {
		_ = conn.Close()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Nexus chat server is running!")
}

type healthStatus struct {
	Status      string `json:"status"`
	Node        string `json:"node"`
	Connections int    `json:"connections"`
}

// HealthzHandler reports the node id and its live connection count.
func (h *Hub) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthStatus{
		Status:      "ok",
		Node:        h.node,
		Connections: h.ConnectionCount(),
	})
}

type userPresence struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type onlineUsers struct {
	Online []string `json:"online"`
}

// PresenceHandler answers GET /api/presence with the online set, or with a
// single user's state when ?userId= is given. A registry outage yields 503
// rather than reporting anyone offline.
func (h *Hub) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.auth.Authenticate(r); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	if userID := r.URL.Query().Get("userId"); userID != "" {
		online, err := h.presence.IsOnline(ctx, userID)
		if err != nil {
			log.Printf("[presence] lookup %s: %v", userID, err)
			http.Error(w, "presence unknown", http.StatusServiceUnavailable)
			return
		}
		resp := userPresence{UserID: userID, Online: online}
		if !online {
			if seen, err := h.presence.LastSeen(ctx, userID); err == nil && !seen.IsZero() {
				resp.LastSeen = &seen
			}
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	users, err := h.presence.ListOnline(ctx)
	if err != nil {
		log.Printf("[presence] list online: %v", err)
		http.Error(w, "presence unknown", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, onlineUsers{Online: users})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[hub] error writing response: %v", err)
	}
}

// TestPageHandler serves an HTML page for trying the websocket protocol by
// hand: paste a token, connect, join a room and send messages.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Nexus Chat Test</title>
    <style>
        body { font-family: sans-serif; margin: 20px; }
        #log { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; font-family: monospace; }
        input { padding: 5px; margin: 2px; }
    </style>
</head>
<body>
    <h1>Nexus Chat Test</h1>
    <div>
        <input id="token" placeholder="token" size="60">
        <button onclick="connect()">Connect</button>
        <button onclick="disconnect()">Disconnect</button>
    </div>
    <div>
        <input id="room" placeholder="room id" size="8">
        <input id="content" placeholder="message" size="40">
        <button onclick="send('message:send', {roomId: room(), content: val('content'), kind: 'text'})">Send</button>
        <button onclick="send('room:join', {roomId: room()})">Join</button>
        <button onclick="send('typing:start', {roomId: room()})">Typing</button>
    </div>
    <div id="log"></div>
    <script>
        let ws = null, seq = 0;
        const val = id => document.getElementById(id).value;
        const room = () => parseInt(val('room'), 10);
        function log(line) {
            const div = document.getElementById('log');
            div.textContent += line + '\n';
            div.scrollTop = div.scrollHeight;
        }
        function connect() {
            const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
            ws = new WebSocket(proto + '//' + location.host + '/ws?token=' + encodeURIComponent(val('token')));
            ws.onopen = () => log('connected');
            ws.onclose = () => log('disconnected');
            ws.onmessage = e => e.data.split('\n').forEach(log);
        }
        function disconnect() { if (ws) ws.close(); }
        function send(event, data) {
            if (!ws) return;
            ws.send(JSON.stringify({event: event, data: data, requestId: String(++seq)}));
        }
    </script>
</body>
</html>`
