// Package storage defines the contract the real-time core consumes from the
// persistence collaborator: room participants, message persistence and
// write-once receipts.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced message does not exist.
var ErrNotFound = errors.New("storage: not found")

// ReceiptKind distinguishes delivery receipts from read receipts.
type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
)

// Valid reports whether k is a known receipt kind.
func (k ReceiptKind) Valid() bool {
	return k == ReceiptDelivered || k == ReceiptRead
}

// Attachment references an uploaded file. Upload handling lives elsewhere;
// the core only carries the reference.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Message is an immutable persisted chat message.
type Message struct {
	ID         int64       `json:"id"`
	RoomID     int64       `json:"roomId"`
	SenderID   string      `json:"senderId"`
	Content    string      `json:"content"`
	Kind       string      `json:"kind"`
	Attachment *Attachment `json:"attachmentRef,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// NewMessage carries the fields needed to persist a message.
type NewMessage struct {
	RoomID     int64
	SenderID   string
	Content    string
	Kind       string
	Attachment *Attachment
}

// ReceiptResult reports the outcome of an idempotent receipt insert.
// Inserted is false when the (message, user) pair already existed.
type ReceiptResult struct {
	Inserted  bool
	Timestamp time.Time
}

// Store is the storage collaborator. Implementations must make InsertReceipt
// a conditional insert so concurrent duplicates resolve to one row.
type Store interface {
	Participants(ctx context.Context, roomID int64) ([]string, error)
	IsParticipant(ctx context.Context, roomID int64, userID string) (bool, error)
	RoomsForUser(ctx context.Context, userID string) ([]int64, error)
	PersistMessage(ctx context.Context, msg NewMessage) (*Message, error)
	MessageRoom(ctx context.Context, messageID int64) (int64, error)
	InsertReceipt(ctx context.Context, kind ReceiptKind, messageID int64, userID string) (ReceiptResult, error)
	HasReceipt(ctx context.Context, kind ReceiptKind, messageID int64, userID string) (bool, error)
	Close() error
}
