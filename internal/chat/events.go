package chat

import "time"

// Event names shared by the wire protocol and the fanout bus.
const (
	EventMessageSend      = "message:send"
	EventMessageNew       = "message:new"
	EventMessageDelivered = "message:delivered"
	EventMessageRead      = "message:read"
	EventTypingStart      = "typing:start"
	EventTypingStop       = "typing:stop"
	EventPresenceOnline   = "presence:online"
	EventPresenceOffline  = "presence:offline"
	EventPresenceQuery    = "presence:query"
	EventPresenceState    = "presence:state"
	EventRoomJoin         = "room:join"
	EventRoomLeave        = "room:leave"
	EventRoomJoined       = "room:joined"
	EventRoomLeft         = "room:left"
	EventError            = "error"
)

// ReceiptEvent is the payload of message:delivered and message:read.
type ReceiptEvent struct {
	MessageID int64     `json:"messageId"`
	UserID    string    `json:"userId"`
	RoomID    int64     `json:"roomId"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingEvent is the payload of typing:start and typing:stop.
type TypingEvent struct {
	RoomID   int64  `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// PresenceEvent is the payload of presence:online and presence:offline.
type PresenceEvent struct {
	UserID   string     `json:"userId"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// PresenceState is one entry of a presence:state reply. Known is false when
// the registry could not be reached, in which case Online carries no meaning.
type PresenceState struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
	Known  bool   `json:"known"`
}
