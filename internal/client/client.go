// Package client implements the connecting side of the realtime protocol:
// an authenticated WebSocket client with automatic reconnection, channel
// rejoin, and sequence-cursor catch-up so no durable record is lost across a
// connection drop. It uses gobwas/ws, the same library the server side is
// built on.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/jonboulle/clockwork"

	"github.com/commune/realtime/internal/protocol"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateStopped // gave up after MaxRetries, terminal
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrGaveUp is returned by Run after MaxRetries consecutive failed
// reconnection attempts.
var ErrGaveUp = errors.New("client: gave up reconnecting")

// RecoverFunc fetches channel records with sequence numbers past the cursor.
// Typically backed by the gateway's catch-up endpoint. A nil RecoverFunc
// disables catch-up; rejoined channels then only see new events.
type RecoverFunc func(ctx context.Context, channelID string, cursor int64) ([]Entry, error)

// Handler receives the raw JSON of a server frame of a registered type.
type Handler func(data json.RawMessage)

// Client is a reconnecting realtime client. Create with New, register
// handlers and joins, then call Run to drive the connection.
type Client struct {
	wsURL string
	token string

	clock   clockwork.Clock
	rng     *rand.Rand
	recover RecoverFunc

	timeline *Timeline

	mu       sync.Mutex // guards conn, joined, handlers
	conn     net.Conn
	joined   map[string]struct{}
	handlers map[string]Handler

	state   int32
	onState func(State)
	writeMu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithClock substitutes the clock used for backoff timers.
func WithClock(clk clockwork.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithRecovery sets the catch-up fetcher invoked after each reconnect.
func WithRecovery(fn RecoverFunc) Option {
	return func(c *Client) { c.recover = fn }
}

// WithStateListener registers a callback invoked on every state change.
func WithStateListener(fn func(State)) Option {
	return func(c *Client) { c.onState = fn }
}

// WithRand substitutes the jitter source, for deterministic tests.
func WithRand(rng *rand.Rand) Option {
	return func(c *Client) { c.rng = rng }
}

// New creates a Client for the given ws:// URL and bearer token.
func New(wsURL, token string, opts ...Option) *Client {
	c := &Client{
		wsURL:    wsURL,
		token:    token,
		clock:    clockwork.NewRealClock(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		timeline: NewTimeline(),
		joined:   make(map[string]struct{}),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *Client) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
	if c.onState != nil {
		c.onState(s)
	}
}

// Timeline returns the client's record timeline.
func (c *Client) Timeline() *Timeline {
	return c.timeline
}

// On registers a handler for a server frame type. One handler per type;
// registering again replaces. Handlers run on the read goroutine.
func (c *Client) On(msgType string, fn Handler) {
	c.mu.Lock()
	c.handlers[msgType] = fn
	c.mu.Unlock()
}

// Run connects and keeps the connection alive until ctx is cancelled or the
// reconnect budget is exhausted. Each successful connection re-issues every
// remembered join and then runs catch-up before Run considers the session
// recovered.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err == nil {
			attempt = 0
			c.setState(StateConnected)
			c.resume(ctx)
			err = c.readLoop(ctx, conn)
		}

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		attempt++
		if attempt > MaxRetries {
			c.setState(StateStopped)
			return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, MaxRetries, err)
		}

		delay := backoffDelay(attempt-1, c.rng)
		log.Printf("client: connection lost (%v), retry %d/%d in %s", err, attempt, MaxRetries, delay)
		c.setState(StateReconnecting)

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-c.clock.After(delay):
		}
	}
}

// dial opens the WebSocket with the bearer token in the query string.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("client: bad url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()

	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

// resume re-issues every remembered join and then fetches the records each
// channel accumulated while the client was away.
func (c *Client) resume(ctx context.Context) {
	c.mu.Lock()
	channels := make([]string, 0, len(c.joined))
	for ch := range c.joined {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		if err := c.send(protocol.JoinChannelMsg{Type: protocol.TypeJoinChannel, Channel: ch}); err != nil {
			log.Printf("client: rejoin %s failed: %v", ch, err)
			continue
		}
		if c.recover == nil {
			continue
		}
		entries, err := c.recover(ctx, ch, c.timeline.Cursor(ch))
		if err != nil {
			log.Printf("client: catch-up %s failed: %v", ch, err)
			continue
		}
		c.timeline.Merge(entries)
	}
}

// send marshals and writes a client frame. Goroutine-safe.
func (c *Client) send(msg interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("client: not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

// Join subscribes to a channel and remembers it for rejoin after reconnects.
func (c *Client) Join(channelID string) error {
	c.mu.Lock()
	c.joined[channelID] = struct{}{}
	c.mu.Unlock()
	return c.send(protocol.JoinChannelMsg{Type: protocol.TypeJoinChannel, Channel: channelID})
}

// Leave unsubscribes and forgets the channel.
func (c *Client) Leave(channelID string) error {
	c.mu.Lock()
	delete(c.joined, channelID)
	c.mu.Unlock()
	return c.send(protocol.LeaveChannelMsg{Type: protocol.TypeLeaveChannel, Channel: channelID})
}

// SendMessage sends a message into a channel. clientRef is echoed back in
// the ack for optimistic-entry reconciliation.
func (c *Client) SendMessage(channelID, clientRef, body string) error {
	return c.send(protocol.SendMessageMsg{
		Type: protocol.TypeSendMessage, Channel: channelID, ClientRef: clientRef, Body: body,
	})
}

// MarkRead marks a message as read.
func (c *Client) MarkRead(channelID, messageID string) error {
	return c.send(protocol.MarkReadMsg{
		Type: protocol.TypeMarkRead, Channel: channelID, MessageID: messageID,
	})
}

// Recall recalls a previously sent message.
func (c *Client) Recall(messageID string) error {
	return c.send(protocol.RecallMessageMsg{
		Type: protocol.TypeRecallMessage, MessageID: messageID,
	})
}

// Typing sends a typing indicator.
func (c *Client) Typing(channelID string, isTyping bool) error {
	return c.send(protocol.TypingMsg{
		Type: protocol.TypeTyping, Channel: channelID, IsTyping: isTyping,
	})
}

// Ping sends an application-level keepalive.
func (c *Client) Ping() error {
	return c.send(protocol.PingMsg{Type: protocol.TypePing})
}

// readLoop reads frames until the connection fails or ctx is cancelled,
// folding record events into the timeline and dispatching to registered
// handlers.
func (c *Client) readLoop(ctx context.Context, conn net.Conn) error {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	// Unblock the read when the context is cancelled: closing the
	// connection is the only way to interrupt a blocked frame read.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-readDone:
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("client: read: %w", err)
		}
		c.handleFrame(data)
	}
}

// handleFrame folds a server frame into client state and invokes any
// registered handler for its type.
func (c *Client) handleFrame(data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("client: bad frame: %v", err)
		return
	}

	switch env.Type {
	case protocol.EventMessageReceived, protocol.EventCommentReceived:
		var ev protocol.RecordEvent
		if err := json.Unmarshal(data, &ev); err == nil {
			c.timeline.Apply(Entry{
				ID: ev.ID, Channel: ev.Channel, From: ev.From,
				Body: ev.Body, Status: ev.Status, Ts: ev.Ts,
			})
		}
	case protocol.EventMessageRead, protocol.EventMessageRecalled,
		protocol.EventMessageDeleted, protocol.EventCommentUpdated,
		protocol.EventCommentDeleted:
		var ev protocol.RecordEvent
		if err := json.Unmarshal(data, &ev); err == nil {
			c.timeline.ApplyStatus(ev.ID, ev.Status)
		}
	}

	c.mu.Lock()
	handler := c.handlers[env.Type]
	c.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}
