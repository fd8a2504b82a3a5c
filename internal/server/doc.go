// Package server is the websocket gateway of the chat backbone.
//
// A Hub owns the connections accepted by one node. Each connection is served
// by a read pump that handles inbound frames in order and a write pump that
// owns the socket for writing. Events from the fanout bus are delivered by
// the hub loop to the local connections joined to the event's room. The
// package also holds configuration, the origin allowlist, per-connection
// rate limiting and the HTTP routes.
package server
