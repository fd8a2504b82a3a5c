package chat

import (
	"context"
	"fmt"

	"github.com/Tyrowin/nexus-chat-server/internal/fanout"
)

// StartTyping publishes typing:start to the room. Nothing is stored and the
// server never expires the signal; clients send typing:stop on inactivity.
// skipConn, if set, keeps the event from echoing back to the sender.
func (s *Service) StartTyping(ctx context.Context, ev TypingEvent, skipConn string) error {
	return s.typing(ctx, EventTypingStart, ev, skipConn)
}

// StopTyping publishes typing:stop to the room.
func (s *Service) StopTyping(ctx context.Context, ev TypingEvent, skipConn string) error {
	return s.typing(ctx, EventTypingStop, ev, skipConn)
}

func (s *Service) typing(ctx context.Context, name string, ev TypingEvent, skipConn string) error {
	if ev.RoomID <= 0 {
		return fmt.Errorf("%w: roomId is required", ErrValidation)
	}
	var opts []fanout.PublishOption
	if skipConn != "" {
		opts = append(opts, fanout.SkipConn(skipConn))
	}
	if err := s.bus.Publish(ctx, ev.RoomID, name, ev, opts...); err != nil {
		return unavailable(name, err)
	}
	return nil
}
