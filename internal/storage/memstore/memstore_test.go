package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/nexus-chat-server/internal/storage"
)

func TestParticipants(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.AddParticipants(42, "bob", "alice")
	s.AddParticipants(7, "alice")

	users, err := s.Participants(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)

	ok, err := s.IsParticipant(ctx, 42, "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsParticipant(ctx, 7, "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	rooms, err := s.RoomsForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 42}, rooms)
}

func TestPersistMessageTimestampsIncrease(t *testing.T) {
	ctx := context.Background()
	s := New()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	m1, err := s.PersistMessage(ctx, storage.NewMessage{RoomID: 1, SenderID: "a", Content: "one", Kind: "text"})
	require.NoError(t, err)
	m2, err := s.PersistMessage(ctx, storage.NewMessage{RoomID: 1, SenderID: "a", Content: "two", Kind: "text"})
	require.NoError(t, err)

	assert.Less(t, m1.ID, m2.ID)
	assert.True(t, m1.CreatedAt.Before(m2.CreatedAt))
}

func TestInsertReceiptIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	msg, err := s.PersistMessage(ctx, storage.NewMessage{RoomID: 1, SenderID: "a", Content: "hi", Kind: "text"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.InsertReceipt(ctx, storage.ReceiptRead, msg.ID, "b")
			assert.NoError(t, err)
			if res.Inserted {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inserted)
	assert.Equal(t, 1, s.ReceiptCount(storage.ReceiptRead, msg.ID))

	has, err := s.HasReceipt(ctx, storage.ReceiptDelivered, msg.ID, "b")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestMessageRoomNotFound(t *testing.T) {
	_, err := New().MessageRoom(context.Background(), 99)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
