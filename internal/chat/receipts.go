package chat

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/Tyrowin/nexus-chat-server/internal/storage"
)

// ReceiptStatus is the stored receipt state of one (message, user) pair.
type ReceiptStatus struct {
	Delivered bool `json:"delivered"`
	Read      bool `json:"read"`
}

// MarkDelivered records that userID received messageID. Only the first call
// for a pair is stored and broadcast; repeats return nil.
func (s *Service) MarkDelivered(ctx context.Context, messageID int64, userID string) error {
	room, err := s.authorize(ctx, messageID, userID)
	if err != nil {
		return err
	}
	_, err = s.record(ctx, storage.ReceiptDelivered, room, messageID, userID)
	return err
}

// MarkRead records that userID read messageID. A missing delivered receipt
// is created first so a read always implies delivered. When only the
// delivered broadcast fails the read is still recorded and both errors are
// returned.
func (s *Service) MarkRead(ctx context.Context, messageID int64, userID string) error {
	room, err := s.authorize(ctx, messageID, userID)
	if err != nil {
		return err
	}
	_, deliveredErr := s.record(ctx, storage.ReceiptDelivered, room, messageID, userID)
	if deliveredErr != nil && !errors.Is(deliveredErr, ErrBroadcastFailed) {
		return deliveredErr
	}
	_, readErr := s.record(ctx, storage.ReceiptRead, room, messageID, userID)
	return errors.Join(deliveredErr, readErr)
}

// ReceiptStatus reports which receipts exist for the pair.
func (s *Service) ReceiptStatus(ctx context.Context, messageID int64, userID string) (ReceiptStatus, error) {
	var st ReceiptStatus
	var err error
	if st.Delivered, err = s.store.HasReceipt(ctx, storage.ReceiptDelivered, messageID, userID); err != nil {
		return st, unavailable("receipt status", err)
	}
	if st.Read, err = s.store.HasReceipt(ctx, storage.ReceiptRead, messageID, userID); err != nil {
		return st, unavailable("receipt status", err)
	}
	return st, nil
}

// authorize resolves the room of messageID and checks that userID
// participates in it.
func (s *Service) authorize(ctx context.Context, messageID int64, userID string) (int64, error) {
	if messageID <= 0 {
		return 0, fmt.Errorf("%w: messageId is required", ErrValidation)
	}
	room, err := s.store.MessageRoom(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("%w: unknown message %d", ErrValidation, messageID)
	}
	if err != nil {
		return 0, unavailable("resolve message", err)
	}
	ok, err := s.store.IsParticipant(ctx, room, userID)
	if err != nil {
		return 0, unavailable("check participant", err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s in room %d", ErrAuthorization, userID, room)
	}
	return room, nil
}

// record inserts one receipt and broadcasts it when the insert was new.
func (s *Service) record(ctx context.Context, kind storage.ReceiptKind, room, messageID int64, userID string) (bool, error) {
	res, err := s.store.InsertReceipt(ctx, kind, messageID, userID)
	if err != nil {
		return false, unavailable("insert "+string(kind)+" receipt", err)
	}
	if !res.Inserted {
		return false, nil
	}

	event := EventMessageDelivered
	if kind == storage.ReceiptRead {
		event = EventMessageRead
	}
	payload := ReceiptEvent{MessageID: messageID, UserID: userID, RoomID: room, Timestamp: res.Timestamp}
	if err := s.bus.Publish(ctx, room, event, payload); err != nil {
		log.Printf("[chat] %s receipt for message %d stored but not broadcast: %v", kind, messageID, err)
		return true, fmt.Errorf("%w: %s receipt: %w", ErrBroadcastFailed, kind, err)
	}
	return true, nil
}
