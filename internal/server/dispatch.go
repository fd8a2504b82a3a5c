package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/Tyrowin/nexus-chat-server/internal/chat"
	"github.com/Tyrowin/nexus-chat-server/internal/fanout"
)

const maxPresenceQuery = 100

// processFrame decodes one inbound frame and runs it to completion before
// the next frame of this connection is read.
func (c *Client) processFrame(raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.Printf("[hub] client %s sent an invalid frame: %v", c.id, err)
		c.sendError("", chat.CodeInvalidArgument, "frame is not valid JSON", false)
		return
	}

	ctx, cancel := context.WithTimeout(c.hub.ctx, requestTimeout)
	defer cancel()

	var err error
	switch frame.Event {
	case chat.EventMessageSend:
		err = c.handleSend(ctx, frame)
	case chat.EventMessageDelivered:
		err = c.handleReceipt(ctx, frame, c.hub.chat.MarkDelivered)
	case chat.EventMessageRead:
		err = c.handleReceipt(ctx, frame, c.hub.chat.MarkRead)
	case chat.EventTypingStart, chat.EventTypingStop:
		err = c.handleTyping(ctx, frame)
	case chat.EventRoomJoin:
		err = c.handleJoin(ctx, frame)
	case chat.EventRoomLeave:
		err = c.handleLeave(ctx, frame)
	case chat.EventPresenceQuery:
		err = c.handlePresenceQuery(ctx, frame)
	default:
		err = fmt.Errorf("%w: unknown event %q", chat.ErrValidation, frame.Event)
	}

	if err != nil {
		c.reportError(frame, err)
	}
}

// reportError turns a handler error into an error frame for this connection.
// Only the error class is logged, never message content.
func (c *Client) reportError(frame Frame, err error) {
	code, retryable := chat.Code(err)
	if code == chat.CodeInternal || code == chat.CodeUnavailable || code == chat.CodeBroadcastFailed {
		log.Printf("[chat] client %s %s failed: %v", c.id, frame.Event, err)
	}
	c.sendError(frame.RequestID, code, err.Error(), retryable)
}

func decodeData(frame Frame, v any) error {
	if len(frame.Data) == 0 {
		return fmt.Errorf("%w: %s needs a data object", chat.ErrValidation, frame.Event)
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", chat.ErrValidation, frame.Event, err)
	}
	return nil
}

// handleSend runs the delivery pipeline. The bus copy of message:new skips
// the sending connection, which instead gets the stored message tagged with
// the request id. Other connections of the same user still get the bus copy.
func (c *Client) handleSend(ctx context.Context, frame Frame) error {
	var req chat.SendRequest
	if err := decodeData(frame, &req); err != nil {
		return err
	}

	msg, err := c.hub.chat.Send(ctx, c.identity.UserID, req, fanout.SkipConn(c.id))
	if msg != nil {
		c.firstSight(msg.ID)
		c.sendFrame(chat.EventMessageNew, msg, frame.RequestID)
	}
	return err
}

func (c *Client) handleReceipt(ctx context.Context, frame Frame, mark func(context.Context, int64, string) error) error {
	var req receiptRequest
	if err := decodeData(frame, &req); err != nil {
		return err
	}
	return mark(ctx, req.MessageID, c.identity.UserID)
}

// handleTyping relays a typing signal to a room this connection has joined,
// without echoing it back to this connection.
func (c *Client) handleTyping(ctx context.Context, frame Frame) error {
	var req roomRequest
	if err := decodeData(frame, &req); err != nil {
		return err
	}
	if !c.hub.rooms.IsMember(c.id, req.RoomID) {
		return fmt.Errorf("%w: not joined to room %d", chat.ErrAuthorization, req.RoomID)
	}

	ev := chat.TypingEvent{RoomID: req.RoomID, UserID: c.identity.UserID, Username: c.identity.Username}
	if frame.Event == chat.EventTypingStart {
		return c.hub.chat.StartTyping(ctx, ev, c.id)
	}
	return c.hub.chat.StopTyping(ctx, ev, c.id)
}

// handleJoin joins a room after checking participation with the store.
func (c *Client) handleJoin(ctx context.Context, frame Frame) error {
	var req roomRequest
	if err := decodeData(frame, &req); err != nil {
		return err
	}
	if req.RoomID <= 0 {
		return fmt.Errorf("%w: roomId is required", chat.ErrValidation)
	}

	ok, err := c.hub.store.IsParticipant(ctx, req.RoomID, c.identity.UserID)
	if err != nil {
		return fmt.Errorf("%w: check participant: %w", chat.ErrUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s in room %d", chat.ErrAuthorization, c.identity.UserID, req.RoomID)
	}
	if err := c.hub.rooms.Join(ctx, c.id, req.RoomID); err != nil {
		return fmt.Errorf("%w: %w", chat.ErrUnavailable, err)
	}

	c.sendFrame(chat.EventRoomJoined, req, frame.RequestID)
	return nil
}

func (c *Client) handleLeave(ctx context.Context, frame Frame) error {
	var req roomRequest
	if err := decodeData(frame, &req); err != nil {
		return err
	}
	if err := c.hub.rooms.Leave(ctx, c.id, req.RoomID); err != nil {
		log.Printf("[hub] client %s: %v", c.id, err)
	}
	c.sendFrame(chat.EventRoomLeft, req, frame.RequestID)
	return nil
}

func (c *Client) handlePresenceQuery(ctx context.Context, frame Frame) error {
	var req presenceQuery
	if err := decodeData(frame, &req); err != nil {
		return err
	}
	if len(req.UserIDs) > maxPresenceQuery {
		return fmt.Errorf("%w: at most %d userIds per query", chat.ErrValidation, maxPresenceQuery)
	}

	states := c.hub.presenceStates(ctx, req.UserIDs)
	c.sendFrame(chat.EventPresenceState, presenceStateReply{Users: states}, frame.RequestID)
	return nil
}
