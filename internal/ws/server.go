// Package ws implements the connection gateway transport: upgrading and
// authenticating WebSocket connections, maintaining the active connection
// set, and dispatching incoming frames to the appropriate verb handlers.
package ws

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/commune/realtime/internal/auth"
	"github.com/commune/realtime/internal/metrics"
	"github.com/commune/realtime/internal/protocol"
	"github.com/commune/realtime/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// ConnectGate is consulted once per upgrade attempt before authentication,
// keyed by remote address. It exists so the Redis rate limiter can throttle
// reconnect storms per IP.
type ConnectGate func(ctx context.Context, remoteAddr string) bool

// Server accepts authenticated duplex connections. It upgrades HTTP requests
// to WebSocket after validating the bearer token, registers connections with
// an epoll instance for I/O readiness notifications, and dispatches ready
// connections to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	authn        auth.Authenticator
	gate         ConnectGate
	sessionStore *session.Store // Redis-backed connection session records, optional
	workerPool   chan struct{}  // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and authenticator.
// The onMessage function is called from a worker goroutine whenever a
// complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, authn auth.Authenticator) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		authn:      authn,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// SetOnMessage registers the frame handler callback.
func (s *Server) SetOnMessage(fn func(conn *Connection, data []byte)) {
	s.onMessage = fn
}

// SetOnConnect registers a callback invoked after a connection completes the
// authenticated handshake.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close). It runs before the
// Redis session is deleted so the handler can inspect session state.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetSessionStore attaches the Redis session store. Optional; without it the
// gateway runs purely in-memory.
func (s *Server) SetSessionStore(store *session.Store) {
	s.sessionStore = store
}

// SetConnectGate attaches the per-IP connection gate. Optional.
func (s *Server) SetConnectGate(gate ConnectGate) {
	s.gate = gate
}

// Start initializes the epoll instance and begins the event loop and
// heartbeat monitor in background goroutines. HTTP serving is left to the
// caller, which mounts HandleUpgrade on its router.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return err
	}

	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: gateway started (workers=%d, max_conns=%d)",
		s.config.WorkerPoolSize, s.config.MaxConnections)
	return nil
}

// bearerToken extracts the token from the Authorization header or, for
// browser WebSocket clients that cannot set headers, the token query
// parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
	}
	return r.URL.Query().Get("token")
}

// HandleUpgrade authenticates and upgrades an HTTP request to a WebSocket
// connection. The token is validated against the auth collaborator before
// admission; an invalid token is refused with 401 and no connection state is
// created. On success it assigns a connection id, registers the connection,
// and sends the connected handshake message.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	remote, _, _ := net.SplitHostPort(r.RemoteAddr)
	if s.gate != nil && !s.gate(r.Context(), remote) {
		http.Error(w, "connection rate limited", http.StatusTooManyRequests)
		return
	}

	token := bearerToken(r)
	userID, err := s.authn.ValidateToken(r.Context(), token)
	if err != nil {
		log.Printf("ws: rejected connection from %s: %v", remote, err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	connID := uuid.New().String()
	c := newConnection(connID, userID, conn, socketFD(conn), s.config.WriteTimeout)

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for conn %s: %v", connID, err)
		s.conns.Remove(connID)
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Create(ctx, connID, userID); err != nil {
			log.Printf("ws: failed to create redis session for %s: %v", connID, err)
		}
	}

	handshake, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: connID,
		UserID:       userID,
	})
	if err != nil {
		log.Printf("ws: failed to build connected message for %s: %v", connID, err)
	} else if !c.Enqueue(handshake) {
		log.Printf("ws: failed to send connected message for %s", connID)
	}

	if s.onConnect != nil {
		s.onConnect(c)
	}

	log.Printf("ws: new connection conn=%s user=%s (total=%d)", connID, userID, s.conns.Count())
}

// HandleHealth responds with the server's health status as JSON, including
// the current connection count and uptime. Used by load balancer health
// checks.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	uptime := time.Since(s.startedAt).Round(time.Second)
	_, _ = io.WriteString(w, `{"status":"ok","connections":`+
		itoa(s.conns.Count())+`,"uptime":"`+uptime.String()+`"}`)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed from
// epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// Don't kill the connection — the heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	// Read data frame payload.
	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, runs the disconnect callback, and closes the underlying network
// connection. Teardown is idempotent: racing removals (read error plus
// heartbeat timeout) resolve through the manager's single delete.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Guard: only proceed if the connection was actually in the manager.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection.
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	// Notify application layer before deleting the session, so it can
	// unsubscribe channels and evaluate presence transitions.
	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: failed to delete redis session for %s: %v", c.ID, err)
		}
	}

	log.Printf("ws: connection closed conn=%s user=%s dropped=%d (total=%d)",
		c.ID, c.UserID, c.Dropped(), s.conns.Count())
}

// Enqueue queues a text frame to the connection identified by connID. It
// returns false if the connection is unknown, closed, or its outbound queue
// is full; the frame is dropped in all three cases.
func (s *Server) Enqueue(connID string, data []byte) bool {
	c := s.conns.Get(connID)
	if c == nil {
		return false
	}
	return c.Enqueue(data)
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g., by the heartbeat or verb handlers).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown: it stops the event loop, closes all
// active connections, deletes their sessions, and tears down the epoll
// instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down gateway...")

	close(s.done)

	for _, c := range s.conns.All() {
		if s.sessionStore != nil {
			delCtx, delCancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.sessionStore.Delete(delCtx, c.ID)
			delCancel()
		}
		_ = s.epoll.Remove(c.Conn)
		c.Close()
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: gateway stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
