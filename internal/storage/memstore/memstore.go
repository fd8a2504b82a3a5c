// Package memstore is an in-memory storage.Store for single-node development
// and tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/nexus-chat-server/internal/storage"
)

type receiptKey struct {
	kind      storage.ReceiptKind
	messageID int64
	userID    string
}

// Store keeps rooms, messages and receipts in process memory.
type Store struct {
	mu       sync.RWMutex
	rooms    map[int64]map[string]struct{}
	messages map[int64]*storage.Message
	receipts map[receiptKey]time.Time
	nextID   int64
	lastTS   time.Time
	now      func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		rooms:    make(map[int64]map[string]struct{}),
		messages: make(map[int64]*storage.Message),
		receipts: make(map[receiptKey]time.Time),
		now:      time.Now,
	}
}

// AddParticipants adds users to a room, creating the room if needed.
func (s *Store) AddParticipants(roomID int64, userIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		s.rooms[roomID] = members
	}
	for _, id := range userIDs {
		members[id] = struct{}{}
	}
}

// RemoveParticipant removes a user from a room.
func (s *Store) RemoveParticipant(roomID int64, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms[roomID], userID)
}

func (s *Store) Participants(_ context.Context, roomID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]string, 0, len(s.rooms[roomID]))
	for id := range s.rooms[roomID] {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

func (s *Store) IsParticipant(_ context.Context, roomID int64, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID][userID]
	return ok, nil
}

func (s *Store) RoomsForUser(_ context.Context, userID string) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rooms []int64
	for roomID, members := range s.rooms {
		if _, ok := members[userID]; ok {
			rooms = append(rooms, roomID)
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms, nil
}

// PersistMessage assigns a sequential id and a strictly increasing server
// timestamp.
func (s *Store) PersistMessage(_ context.Context, msg storage.NewMessage) (*storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now().UTC()
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Microsecond)
	}
	s.lastTS = ts
	s.nextID++

	stored := &storage.Message{
		ID:        s.nextID,
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Kind:      msg.Kind,
		CreatedAt: ts,
	}
	if msg.Attachment != nil {
		att := *msg.Attachment
		stored.Attachment = &att
	}
	s.messages[stored.ID] = stored

	out := *stored
	return &out, nil
}

func (s *Store) MessageRoom(_ context.Context, messageID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return msg.RoomID, nil
}

func (s *Store) InsertReceipt(_ context.Context, kind storage.ReceiptKind, messageID int64, userID string) (storage.ReceiptResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[messageID]; !ok {
		return storage.ReceiptResult{}, storage.ErrNotFound
	}
	key := receiptKey{kind: kind, messageID: messageID, userID: userID}
	if ts, ok := s.receipts[key]; ok {
		return storage.ReceiptResult{Inserted: false, Timestamp: ts}, nil
	}
	ts := s.now().UTC()
	s.receipts[key] = ts
	return storage.ReceiptResult{Inserted: true, Timestamp: ts}, nil
}

func (s *Store) HasReceipt(_ context.Context, kind storage.ReceiptKind, messageID int64, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.receipts[receiptKey{kind: kind, messageID: messageID, userID: userID}]
	return ok, nil
}

// ReceiptCount returns the number of stored receipts of kind for a message.
func (s *Store) ReceiptCount(kind storage.ReceiptKind, messageID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for key := range s.receipts {
		if key.kind == kind && key.messageID == messageID {
			n++
		}
	}
	return n
}

func (s *Store) Close() error { return nil }
