package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/commune/realtime/internal/channel"
	"github.com/commune/realtime/internal/delivery"
	"github.com/commune/realtime/internal/protocol"
	"github.com/commune/realtime/internal/ratelimit"
	"github.com/commune/realtime/internal/store"
	"github.com/commune/realtime/internal/ws"
)

// Error codes carried in error frames sent back to the caller.
const (
	CodeInvalidChannel     = "invalid_channel"
	CodeInvalidBody        = "invalid_body"
	CodeNotFound           = "not_found"
	CodeStateConflict      = "state_conflict"
	CodeNotOwner           = "not_owner"
	CodeRecallExpired      = "recall_expired"
	CodePersistenceFailure = "persistence_failure"
	CodeRateLimited        = "rate_limited"
)

// Bind registers every client verb on the dispatcher. The closures adapt the
// transport's handler signature to the Gateway's Conn interface so the
// handler logic stays testable with fakes.
func (g *Gateway) Bind(d *ws.VerbDispatcher) {
	d.Register(protocol.TypeJoinChannel, func(conn *ws.Connection, msg interface{}) {
		g.handleJoin(conn, msg.(protocol.JoinChannelMsg))
	})
	d.Register(protocol.TypeLeaveChannel, func(conn *ws.Connection, msg interface{}) {
		g.handleLeave(conn, msg.(protocol.LeaveChannelMsg))
	})
	d.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		g.handleSend(conn, msg.(protocol.SendMessageMsg))
	})
	d.Register(protocol.TypeMarkRead, func(conn *ws.Connection, msg interface{}) {
		g.handleMarkRead(conn, msg.(protocol.MarkReadMsg))
	})
	d.Register(protocol.TypeRecallMessage, func(conn *ws.Connection, msg interface{}) {
		g.handleRecall(conn, msg.(protocol.RecallMessageMsg))
	})
	d.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		g.handleTyping(conn, msg.(protocol.TypingMsg))
	})
}

// sendTo encodes a server message and enqueues it on the caller's connection.
func sendTo(c Conn, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("gateway: build %s failed conn=%s: %v", msgType, c.ConnID(), err)
		return
	}
	if !c.Send(data) {
		log.Printf("gateway: send %s failed conn=%s", msgType, c.ConnID())
	}
}

func sendErr(c Conn, code, message string) {
	sendTo(c, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// errCode maps a gateway/store/delivery error to a wire error code.
func errCode(err error) string {
	switch {
	case errors.Is(err, channel.ErrInvalidID):
		return CodeInvalidChannel
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, delivery.ErrNotOwner):
		return CodeNotOwner
	case errors.Is(err, delivery.ErrRecallExpired):
		return CodeRecallExpired
	case errors.Is(err, delivery.ErrStateConflict):
		return CodeStateConflict
	case errors.Is(err, ErrBodyEmpty), errors.Is(err, ErrBodyTooLarge), errors.Is(err, ErrBodyInvalid):
		return CodeInvalidBody
	default:
		return CodePersistenceFailure
	}
}

// handleJoin subscribes the connection to a channel and confirms. Joining a
// channel the connection is already in re-confirms without side effects.
// Personal channels are joinable only by their owner; a foreign user channel
// reads as nonexistent rather than confirming it exists.
func (g *Gateway) handleJoin(c Conn, msg protocol.JoinChannelMsg) {
	kind, id, err := channel.Parse(msg.Channel)
	if err != nil {
		sendErr(c, CodeInvalidChannel, "malformed channel id")
		return
	}
	if kind == channel.KindUser && id != c.User() {
		sendErr(c, CodeNotFound, "channel not found")
		return
	}
	g.registry.Subscribe(c.ConnID(), msg.Channel)
	sendTo(c, protocol.TypeChannelJoined, protocol.ChannelJoinedMsg{Channel: msg.Channel})
}

// handleLeave unsubscribes the connection and confirms. Leaving a channel the
// connection never joined still confirms; the operation is idempotent.
func (g *Gateway) handleLeave(c Conn, msg protocol.LeaveChannelMsg) {
	if !channel.Valid(msg.Channel) {
		sendErr(c, CodeInvalidChannel, "malformed channel id")
		return
	}
	g.registry.Unsubscribe(c.ConnID(), msg.Channel)
	sendTo(c, protocol.TypeChannelLeft, protocol.ChannelLeftMsg{Channel: msg.Channel})
}

// handleSend persists a new message and acks the sender with the record id.
// The broadcast to other members is handled inside CreateRecord; the sender's
// own connection gets the ack instead of the echo.
func (g *Gateway) handleSend(c Conn, msg protocol.SendMessageMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), verbTimeout)
	defer cancel()

	if !g.allow(ctx, c.User(), ratelimit.RuleMessage) {
		sendErr(c, CodeRateLimited, "too many messages, slow down")
		return
	}

	rec, err := g.CreateRecord(ctx, c.User(), msg.Channel, msg.Body, c.ConnID())
	if err != nil {
		sendErr(c, errCode(err), err.Error())
		return
	}

	sendTo(c, protocol.TypeMessageAck, protocol.MessageAckMsg{
		ClientRef: msg.ClientRef,
		ID:        rec.ID,
		Channel:   rec.Channel,
		Ts:        rec.CreatedAt.Unix(),
	})
}

// handleMarkRead transitions a record to read and broadcasts message-read to
// the channel. The channel carried by the verb must match the record's; a
// record already past sent yields a state_conflict error.
func (g *Gateway) handleMarkRead(c Conn, msg protocol.MarkReadMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), verbTimeout)
	defer cancel()

	if _, err := g.TransitionRecord(ctx, c.User(), msg.MessageID, msg.Channel, delivery.StatusRead); err != nil {
		sendErr(c, errCode(err), err.Error())
	}
}

// handleRecall transitions a record to recalled. The broadcast goes to every
// member including the caller, so all clients (the recaller's other devices
// included) blank the message the same way.
func (g *Gateway) handleRecall(c Conn, msg protocol.RecallMessageMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), verbTimeout)
	defer cancel()

	if _, err := g.TransitionRecord(ctx, c.User(), msg.MessageID, "", delivery.StatusRecalled); err != nil {
		sendErr(c, errCode(err), err.Error())
	}
}

// handleTyping relays a typing indicator to the other channel members.
// Indicators are never persisted and never acked; over the rate limit they
// are dropped without an error frame.
func (g *Gateway) handleTyping(c Conn, msg protocol.TypingMsg) {
	if !channel.Valid(msg.Channel) {
		return
	}
	if !g.registry.IsMember(c.ConnID(), msg.Channel) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !g.allow(ctx, c.User(), ratelimit.RuleTyping) {
		return
	}

	err := g.dispatcher.PublishExcept(msg.Channel, protocol.EventTyping, protocol.TypingEvent{
		Channel:  msg.Channel,
		From:     c.User(),
		IsTyping: msg.IsTyping,
	}, c.ConnID())
	if err != nil {
		log.Printf("gateway: typing broadcast failed channel=%s: %v", msg.Channel, err)
	}
}
