package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all gateway routes.
func SetupRoutes(h *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/healthz", h.HealthzHandler)
	mux.HandleFunc("/ws", h.WebSocketHandler)
	mux.HandleFunc("/api/presence", h.PresenceHandler)
	mux.HandleFunc("/test", TestPageHandler)
	return mux
}
