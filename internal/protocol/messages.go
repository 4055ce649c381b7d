// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the realtime gateway. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server verb types.
const (
	TypeJoinChannel   = "join_channel"
	TypeLeaveChannel  = "leave_channel"
	TypeSendMessage   = "send_message"
	TypeMarkRead      = "mark_read"
	TypeRecallMessage = "recall_message"
	TypeTyping        = "typing"
	TypePing          = "ping"
)

// Server -> Client message types. The Event* constants are the broadcast
// event names pushed by the dispatcher; the remaining types are direct
// responses on a single connection.
const (
	TypeConnected     = "connected"
	TypeChannelJoined = "channel-joined"
	TypeChannelLeft   = "channel-left"
	TypeMessageAck    = "message-ack"
	TypeError         = "error"
	TypePong          = "pong"

	EventMessageReceived = "message-received"
	EventMessageRead     = "message-read"
	EventMessageRecalled = "message-recalled"
	EventMessageDeleted  = "message-deleted"
	EventCommentReceived = "comment-received"
	EventCommentUpdated  = "comment-updated"
	EventCommentDeleted  = "comment-deleted"
	EventUserOnline      = "user-online"
	EventUserOffline     = "user-offline"
	EventTyping          = "typing"
)

// knownEvents is the closed set of broadcast event names the dispatcher
// accepts. Anything else is rejected at the Publish boundary.
var knownEvents = map[string]bool{
	EventMessageReceived: true,
	EventMessageRead:     true,
	EventMessageRecalled: true,
	EventMessageDeleted:  true,
	EventCommentReceived: true,
	EventCommentUpdated:  true,
	EventCommentDeleted:  true,
	EventUserOnline:      true,
	EventUserOffline:     true,
	EventTyping:          true,
}

// KnownEvent reports whether name is a valid broadcast event name.
func KnownEvent(name string) bool {
	return knownEvents[name]
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server verb structs
// ---------------------------------------------------------------------------

// JoinChannelMsg subscribes the connection to a channel. Joining a channel
// the connection is already in is a no-op.
type JoinChannelMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// LeaveChannelMsg unsubscribes the connection from a channel. Leaving a
// channel the connection never joined is a no-op.
type LeaveChannelMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// SendMessageMsg creates a message in a channel. ClientRef is a client-local
// reference echoed back in the ack so the client can reconcile its optimistic
// "sending" entry with the persisted record.
type SendMessageMsg struct {
	Type      string `json:"type"`
	Channel   string `json:"channel"`
	ClientRef string `json:"client_ref,omitempty"`
	Body      string `json:"body"`
}

// MarkReadMsg marks a message as read by the caller.
type MarkReadMsg struct {
	Type      string `json:"type"`
	Channel   string `json:"channel"`
	MessageID string `json:"message_id"`
}

// RecallMessageMsg recalls a message the caller previously sent. Only the
// owner may recall, and only within the recall window.
type RecallMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// TypingMsg signals whether the sender is currently typing in a channel.
// Typing indicators are broadcast-only and never persisted.
type TypingMsg struct {
	Type     string `json:"type"`
	Channel  string `json:"channel"`
	IsTyping bool   `json:"is_typing"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once after a successful authenticated handshake.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// ChannelJoinedMsg confirms a join_channel verb.
type ChannelJoinedMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// ChannelLeftMsg confirms a leave_channel verb.
type ChannelLeftMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// MessageAckMsg is the sender's acknowledgment for send_message: the
// persisted record id and server timestamp, plus the echoed client_ref.
type MessageAckMsg struct {
	Type      string `json:"type"`
	ClientRef string `json:"client_ref,omitempty"`
	ID        string `json:"id"`
	Channel   string `json:"channel"`
	Ts        int64  `json:"ts"`
}

// RecordEvent is the payload for all message- and comment- lifecycle events
// (message-received, message-read, message-recalled, message-deleted and the
// comment- equivalents). Status carries the record's state after the
// transition that produced the event.
type RecordEvent struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Channel string `json:"channel"`
	From    string `json:"from"`
	Body    string `json:"body,omitempty"`
	Status  string `json:"status"`
	Ts      int64  `json:"ts"`
}

// PresenceEvent is the payload for user-online and user-offline events.
type PresenceEvent struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// TypingEvent relays a typing indicator to channel members other than the
// sender.
type TypingEvent struct {
	Type     string `json:"type"`
	Channel  string `json:"channel"`
	From     string `json:"from"`
	IsTyping bool   `json:"is_typing"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client verb.
// It returns the verb type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinChannel:
		var m JoinChannelMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveChannel:
		var m LeaveChannelMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRecallMessage:
		var m RecallMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
