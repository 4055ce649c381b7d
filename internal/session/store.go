// Package session records live connection state in Redis so operational
// tooling (and future multi-instance deployments) can see which user is
// connected where. A session is created on handshake, refreshed by the
// heartbeat, and deleted on disconnect; the TTL bounds how long a crashed
// instance's sessions linger.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all connection session hashes.
	SessionPrefix = "conn:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 10 * time.Minute
)

// Session is the Redis-stored view of one live connection.
type Session struct {
	ConnID      string `redis:"conn_id"`
	UserID      string `redis:"user_id"`
	Server      string `redis:"server"`       // which gateway instance owns it
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// Store manages connection session records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this gateway instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new connection session with the configured TTL.
func (s *Store) Create(ctx context.Context, connID, userID string) error {
	key := SessionPrefix + connID
	now := time.Now().Unix()

	fields := map[string]interface{}{
		"conn_id":      connID,
		"user_id":      userID,
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a connection session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	key := SessionPrefix + connID
	var sess Session
	if err := s.client.HGetAll(ctx, key).Scan(&sess); err != nil {
		return nil, err
	}
	if sess.ConnID == "" {
		return nil, nil // not found
	}
	return &sess, nil
}

// Touch refreshes the session's last-active timestamp and TTL. Called from
// the heartbeat path.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a connection session from Redis.
func (s *Store) Delete(ctx context.Context, connID string) error {
	return s.client.Del(ctx, SessionPrefix+connID).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages
// (rate limiting shares the same connection pool).
func (s *Store) Client() *redis.Client {
	return s.client
}
