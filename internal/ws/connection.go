package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// OutboundQueueSize is the per-connection outbound buffer. A connection
// whose writer cannot keep up drops events past this depth; the durable
// fact survives in the store and gap recovery re-surfaces it.
const OutboundQueueSize = 256

// Connection represents a single authenticated WebSocket client connection.
// All outbound frames flow through a bounded queue drained by a single
// writer goroutine, which both serializes writes and guarantees FIFO
// delivery per connection.
type Connection struct {
	ID        string    // connection id (UUID), assigned at handshake
	UserID    string    // authenticated owner of this connection
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	CreatedAt time.Time // when the connection was established
	LastPing  time.Time // last activity observed from the client

	out          chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeMu      sync.Mutex // serializes writer goroutine and heartbeat pings
	writeTimeout time.Duration
	processing   int32 // atomic flag: 0 = idle, 1 = being read by handleConn
	dropped      uint64
}

// newConnection creates a Connection and starts its writer goroutine.
func newConnection(id, userID string, conn net.Conn, fd int, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		UserID:       userID,
		Conn:         conn,
		Fd:           fd,
		CreatedAt:    time.Now(),
		LastPing:     time.Now(),
		out:          make(chan []byte, OutboundQueueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	go c.writeLoop()
	return c
}

// Enqueue queues a text frame for delivery. It never blocks: if the
// connection is closed or its queue is full the frame is dropped and false
// is returned. Enqueues from a single goroutine reach the wire in order.
func (c *Connection) Enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.out <- data:
		return true
	default:
		atomic.AddUint64(&c.dropped, 1)
		return false
	}
}

// ConnID returns the connection id. Together with User and Send it lets
// verb handlers depend on a narrow interface instead of this struct.
func (c *Connection) ConnID() string { return c.ID }

// User returns the authenticated user identity that owns this connection.
func (c *Connection) User() string { return c.UserID }

// Send is an alias for Enqueue satisfying the gateway's connection interface.
func (c *Connection) Send(data []byte) bool { return c.Enqueue(data) }

// Dropped returns how many outbound frames this connection has discarded.
func (c *Connection) Dropped() uint64 {
	return atomic.LoadUint64(&c.dropped)
}

// writeLoop drains the outbound queue onto the wire. A write error closes
// the underlying connection so the read path observes the failure and runs
// the normal teardown.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			if err := c.writeFrame(data); err != nil {
				_ = c.Conn.Close()
				return
			}
		}
	}
}

func (c *Connection) writeFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer func() { _ = c.Conn.SetWriteDeadline(time.Time{}) }()
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with frames
// from the writer goroutine.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close stops the writer goroutine and closes the underlying network
// connection. It is safe to call multiple times.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry that maps connection ids and
// transport connections to their Connection objects. It supports O(1)
// lookups by both id and net.Conn.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // connection id -> Connection
	byConn map[net.Conn]*Connection // transport -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by id, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the Connection wrapping the given transport connection,
// or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
