// Package server defines the wire frames exchanged with clients and small
// helpers shared by the client and hub logic.
package server

import (
	"encoding/json"
	"strings"

	"github.com/Tyrowin/nexus-chat-server/internal/chat"
)

// EventSessionReady is sent once per connection after presence registration
// and the initial room joins completed.
const EventSessionReady = "session:ready"

// Frame is the JSON envelope of every websocket message in both directions.
// Several outbound frames may be written into one websocket message,
// separated by newlines.
type Frame struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// ErrorPayload is the data of an error frame. It only ever goes to the
// connection whose request failed.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

// SessionReady is the data of a session:ready frame.
type SessionReady struct {
	ConnectionID string  `json:"connectionId"`
	UserID       string  `json:"userId"`
	Username     string  `json:"username"`
	Node         string  `json:"node"`
	Rooms        []int64 `json:"rooms"`
}

type roomRequest struct {
	RoomID int64 `json:"roomId"`
}

type receiptRequest struct {
	MessageID int64 `json:"messageId"`
}

type presenceQuery struct {
	UserIDs []string `json:"userIds"`
}

type presenceStateReply struct {
	Users []chat.PresenceState `json:"users"`
}

func encodeFrame(event string, data any, requestID string) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw, RequestID: requestID})
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
