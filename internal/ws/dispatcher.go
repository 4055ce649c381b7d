package ws

import (
	"log"
	"time"

	"github.com/commune/realtime/internal/protocol"
)

// VerbHandler is the callback signature for handling a parsed client verb.
// The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g., protocol.JoinChannelMsg).
type VerbHandler func(conn *Connection, msg interface{})

// VerbDispatcher routes incoming WebSocket messages to registered handlers
// based on the verb type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or
// unsupported messages.
type VerbDispatcher struct {
	handlers map[string]VerbHandler
}

// NewVerbDispatcher creates an empty VerbDispatcher.
func NewVerbDispatcher() *VerbDispatcher {
	return &VerbDispatcher{
		handlers: make(map[string]VerbHandler),
	}
}

// Register associates a VerbHandler with a verb type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *VerbDispatcher) Register(verb string, handler VerbHandler) {
	d.handlers[verb] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed verb, handles ping internally, and routes all other verbs to
// the registered handler. Parse errors and unregistered verbs result in an
// error message sent back to the client.
func (d *VerbDispatcher) Dispatch(conn *Connection, data []byte) {
	verb, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	// Built-in ping handler — respond immediately without requiring registration.
	if verb == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[verb]
	if !ok {
		log.Printf("ws: unsupported verb=%q conn=%s", verb, conn.ID)
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

// sendError sends a structured error message back to the client. Errors
// during message construction are logged but not propagated.
func (d *VerbDispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error message conn=%s: %v", conn.ID, err)
		return
	}

	if !conn.Enqueue(data) {
		log.Printf("ws: failed to send error message conn=%s", conn.ID)
	}
}

// sendPong responds to a client ping with a pong message and updates the
// connection's LastPing timestamp to reflect the most recent keepalive.
func (d *VerbDispatcher) sendPong(conn *Connection) {
	conn.LastPing = time.Now()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong message conn=%s: %v", conn.ID, err)
		return
	}

	if !conn.Enqueue(data) {
		log.Printf("ws: failed to send pong message conn=%s", conn.ID)
	}
}
