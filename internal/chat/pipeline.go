package chat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/nexus-chat-server/internal/fanout"
	"github.com/Tyrowin/nexus-chat-server/internal/storage"
)

// Message kinds accepted by Send.
const (
	KindText  = "text"
	KindImage = "image"
	KindFile  = "file"
)

// SendRequest is the body of message:send.
type SendRequest struct {
	RoomID     int64               `json:"roomId"`
	Content    string              `json:"content"`
	Kind       string              `json:"kind"`
	Attachment *storage.Attachment `json:"attachmentRef,omitempty"`
}

func (r *SendRequest) validate(maxLen int) error {
	if r.RoomID <= 0 {
		return fmt.Errorf("%w: roomId is required", ErrValidation)
	}
	if r.Kind == "" {
		r.Kind = KindText
	}
	if !utf8.ValidString(r.Content) {
		return fmt.Errorf("%w: content is not valid UTF-8", ErrValidation)
	}
	if n := utf8.RuneCountInString(r.Content); n > maxLen {
		return fmt.Errorf("%w: content exceeds %d characters", ErrValidation, maxLen)
	}

	switch r.Kind {
	case KindText:
		if strings.TrimSpace(r.Content) == "" {
			return fmt.Errorf("%w: content is empty", ErrValidation)
		}
		if r.Attachment != nil {
			return fmt.Errorf("%w: text messages cannot carry an attachment", ErrValidation)
		}
	case KindImage, KindFile:
		if r.Attachment == nil || strings.TrimSpace(r.Attachment.URL) == "" {
			return fmt.Errorf("%w: %s messages need an attachmentRef url", ErrValidation, r.Kind)
		}
		if r.Attachment.Size < 0 {
			return fmt.Errorf("%w: attachment size is negative", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, r.Kind)
	}
	return nil
}

// Send validates, persists and broadcasts a message from senderID.
//
// A persistence failure aborts before anything is published. A publish
// failure after persistence returns the stored message together with
// ErrBroadcastFailed. In online delivery mode, delivered receipts for the
// other participants are recorded in the background once the broadcast
// succeeded. opts adjust the message:new event, typically to keep the
// bus copy away from the sending connection.
func (s *Service) Send(ctx context.Context, senderID string, req SendRequest, opts ...fanout.PublishOption) (*storage.Message, error) {
	if err := req.validate(s.maxContentLength); err != nil {
		return nil, err
	}

	ok, err := s.store.IsParticipant(ctx, req.RoomID, senderID)
	if err != nil {
		return nil, unavailable("check participant", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s in room %d", ErrAuthorization, senderID, req.RoomID)
	}

	msg, err := s.store.PersistMessage(ctx, storage.NewMessage{
		RoomID:     req.RoomID,
		SenderID:   senderID,
		Content:    req.Content,
		Kind:       req.Kind,
		Attachment: req.Attachment,
	})
	if err != nil {
		return nil, unavailable("persist message", err)
	}

	if err := s.bus.Publish(ctx, msg.RoomID, EventMessageNew, msg, opts...); err != nil {
		log.Printf("[chat] message %d stored but not broadcast to room %d: %v", msg.ID, msg.RoomID, err)
		return msg, fmt.Errorf("%w: message %d: %w", ErrBroadcastFailed, msg.ID, err)
	}

	if s.mode == DeliveryOnline {
		s.deliverToOnline(ctx, msg)
	}
	return msg, nil
}

// deliverToOnline records delivered receipts for every other participant
// the registry reports online. Users whose presence is unknown are skipped.
func (s *Service) deliverToOnline(parent context.Context, msg *storage.Message) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.receiptTimeout)
		defer cancel()

		participants, err := s.store.Participants(ctx, msg.RoomID)
		if err != nil {
			log.Printf("[chat] delivered receipts for message %d skipped: %v", msg.ID, err)
			return
		}

		var g errgroup.Group
		g.SetLimit(receiptConcurrency)
		for _, userID := range participants {
			if userID == msg.SenderID {
				continue
			}
			userID := userID
			g.Go(func() error {
				online, err := s.presence.IsOnline(ctx, userID)
				if err != nil {
					return fmt.Errorf("presence of %s: %w", userID, err)
				}
				if !online {
					return nil
				}
				_, err = s.record(ctx, storage.ReceiptDelivered, msg.RoomID, msg.ID, userID)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			log.Printf("[chat] delivered receipts for message %d incomplete: %v", msg.ID, err)
		}
	}()
}
