package sqlitestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/nexus-chat-server/internal/storage"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestParticipants(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddParticipants(ctx, 42, "bob", "alice"))
	require.NoError(t, s.AddParticipants(ctx, 42, "alice"))
	require.NoError(t, s.AddParticipants(ctx, 7, "alice"))

	users, err := s.Participants(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)

	ok, err := s.IsParticipant(ctx, 7, "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	rooms, err := s.RoomsForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 42}, rooms)
}

func TestPersistMessageAndReceipts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	m1, err := s.PersistMessage(ctx, storage.NewMessage{RoomID: 42, SenderID: "alice", Content: "hi", Kind: "text"})
	require.NoError(t, err)
	m2, err := s.PersistMessage(ctx, storage.NewMessage{
		RoomID: 42, SenderID: "alice", Kind: "image",
		Attachment: &storage.Attachment{URL: "/uploads/cat.png", Name: "cat.png", Size: 2048},
	})
	require.NoError(t, err)
	assert.Greater(t, m2.ID, m1.ID)
	assert.True(t, m1.CreatedAt.Before(m2.CreatedAt))

	room, err := s.MessageRoom(ctx, m2.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 42, room)

	first, err := s.InsertReceipt(ctx, storage.ReceiptRead, m1.ID, "bob")
	require.NoError(t, err)
	assert.True(t, first.Inserted)
	assert.False(t, first.Timestamp.IsZero())

	dup, err := s.InsertReceipt(ctx, storage.ReceiptRead, m1.ID, "bob")
	require.NoError(t, err)
	assert.False(t, dup.Inserted)

	has, err := s.HasReceipt(ctx, storage.ReceiptRead, m1.ID, "bob")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = s.HasReceipt(ctx, storage.ReceiptDelivered, m1.ID, "bob")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestInsertReceiptUnknownMessage(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.InsertReceipt(context.Background(), storage.ReceiptDelivered, 404, "bob")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
