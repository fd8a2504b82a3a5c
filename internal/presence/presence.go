// Package presence tracks which users hold live connections and on which
// node each connection lives.
//
// A user is online iff at least one connection is registered for them.
// Register and Unregister report whether the call flipped that state, so
// exactly one caller observes each online/offline transition even when
// connections for the same user come and go concurrently on different nodes.
package presence

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable means the shared store could not be reached. Callers must
// treat presence as unknown rather than offline.
var ErrUnavailable = errors.New("presence: registry unavailable")

// Connection is one live transport session of a user.
type Connection struct {
	ID   string `json:"id"`
	Node string `json:"node"`
}

// Registry is the shared presence store.
type Registry interface {
	// Register records connID for userID on this node. It returns true when
	// this is the user's first live connection.
	Register(ctx context.Context, userID, connID string) (bool, error)
	// Unregister removes connID. It returns true when no connections remain.
	// Unknown connections are a no-op.
	Unregister(ctx context.Context, userID, connID string) (bool, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
	ListOnline(ctx context.Context) ([]string, error)
	Connections(ctx context.Context, userID string) ([]Connection, error)
	// LastSeen returns when the user last went offline, or the zero time.
	LastSeen(ctx context.Context, userID string) (time.Time, error)
	// PurgeNode unregisters every connection recorded for nodeID and returns
	// the users that went offline as a result.
	PurgeNode(ctx context.Context, nodeID string) ([]string, error)
	Close() error
}
