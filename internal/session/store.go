// Package session mirrors live connections into Redis: one hash per
// connection and one pointer per announced user. The gateway writes the
// mirror; Get and ConnectionOf are its read side for operators and for
// other instances sharing the Redis.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for connection hashes.
	ConnPrefix = "conn:"

	// UserPrefix is the Redis key prefix for user -> connection pointers.
	UserPrefix = "online:"

	// SessionTTL is the time-to-live for mirror keys. Heartbeats refresh it.
	SessionTTL = 1 * time.Hour
)

// releaseUserLua deletes the user pointer only when it still names the
// disconnecting connection, so a stale disconnect cannot unbind a newer one.
//
// KEYS[1] = online:<user>
// ARGV[1] = connection id
const releaseUserLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

// bindUserLua moves a connection to a new user. The connection's previous
// user pointer is dropped when it still names this connection.
//
// KEYS[1] = conn:<id>
// KEYS[2] = online:<user>
// ARGV[1] = connection id
// ARGV[2] = user id
// ARGV[3] = unix time
// ARGV[4] = ttl in seconds
// ARGV[5] = user key prefix
const bindUserLua = `
local prev = redis.call('HGET', KEYS[1], 'user_id')
if prev and prev ~= '' and prev ~= ARGV[2] then
	local old = ARGV[5] .. prev
	if redis.call('GET', old) == ARGV[1] then
		redis.call('DEL', old)
	end
end
redis.call('HSET', KEYS[1], 'user_id', ARGV[2], 'last_active', ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('SET', KEYS[2], ARGV[1], 'EX', ARGV[4])
return 1
`

// touchLua refreshes a connection and, when it still names this
// connection, the user pointer.
//
// KEYS[1] = conn:<id>
// KEYS[2] = online:<user> (optional)
// ARGV[1] = connection id
// ARGV[2] = unix time
// ARGV[3] = ttl in seconds
const touchLua = `
redis.call('HSET', KEYS[1], 'last_active', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
if KEYS[2] and redis.call('GET', KEYS[2]) == ARGV[1] then
	redis.call('EXPIRE', KEYS[2], ARGV[3])
end
return 1
`

// Record is the mirrored state of one live connection.
type Record struct {
	ConnID     string `redis:"conn_id"`
	UserID     string `redis:"user_id"` // empty until announced
	Server     string `redis:"server"`  // which server instance holds the socket
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// Store manages the connection mirror in Redis.
type Store struct {
	client        *redis.Client
	serverName    string
	releaseScript *redis.Script
	bindScript    *redis.Script
	touchScript   *redis.Script
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{
		client:        client,
		serverName:    serverName,
		releaseScript: redis.NewScript(releaseUserLua),
		bindScript:    redis.NewScript(bindUserLua),
		touchScript:   redis.NewScript(touchLua),
	}
}

// Create records a new, not yet announced connection.
func (s *Store) Create(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"conn_id":     connID,
		"user_id":     "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// Bind records that connID announced userID and points the user at it.
// A previous pointer for userID is overwritten. If connID was announced as
// someone else before, that user's pointer is released.
func (s *Store) Bind(ctx context.Context, connID, userID string) error {
	keys := []string{ConnPrefix + connID, UserPrefix + userID}
	ttl := int64(SessionTTL / time.Second)
	err := s.bindScript.Run(ctx, s.client, keys, connID, userID, time.Now().Unix(), ttl, UserPrefix).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("session: bind %s to %s: %w", userID, connID, err)
	}
	return nil
}

// Get retrieves a connection record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Record, error) {
	var rec Record
	if err := s.client.HGetAll(ctx, ConnPrefix+connID).Scan(&rec); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", connID, err)
	}
	if rec.ConnID == "" {
		return nil, nil // not found
	}
	return &rec, nil
}

// ConnectionOf returns the connection id userID is bound to, or "" when
// the user is not online anywhere.
func (s *Store) ConnectionOf(ctx context.Context, userID string) (string, error) {
	connID, err := s.client.Get(ctx, UserPrefix+userID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: lookup %s: %w", userID, err)
	}
	return connID, nil
}

// Touch refreshes last_active and the TTL of a connection. The user
// pointer is refreshed only while it still names connID.
func (s *Store) Touch(ctx context.Context, connID, userID string) error {
	keys := []string{ConnPrefix + connID}
	if userID != "" {
		keys = append(keys, UserPrefix+userID)
	}
	ttl := int64(SessionTTL / time.Second)
	err := s.touchScript.Run(ctx, s.client, keys, connID, time.Now().Unix(), ttl).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("session: touch %s: %w", connID, err)
	}
	return nil
}

// Delete removes a connection record and, when userID still points at it,
// the user pointer.
func (s *Store) Delete(ctx context.Context, connID, userID string) error {
	if userID != "" {
		if err := s.releaseScript.Run(ctx, s.client, []string{UserPrefix + userID}, connID).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("session: release %s: %w", userID, err)
		}
	}
	if err := s.client.Del(ctx, ConnPrefix+connID).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", connID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
