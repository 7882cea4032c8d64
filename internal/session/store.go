package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for connection hashes.
	ConnPrefix = "conn:"

	// UserPrefix is the Redis key prefix for a user's connection set.
	UserPrefix = "user:"

	// ConnTTL is the time-to-live for connection keys. Heartbeats refresh it,
	// so entries of a crashed node disappear on their own.
	ConnTTL = 1 * time.Hour
)

func connKey(connID string) string  { return ConnPrefix + connID }
func roomsKey(connID string) string { return ConnPrefix + connID + ":rooms" }
func userKey(userID string) string  { return UserPrefix + userID + ":conns" }

// Conn is a connection record stored in Redis.
type Conn struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user"`
	Server     string `redis:"server"`      // which WS server instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages connection records in Redis. It implements
// gateway.Directory.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a connection store on an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Register stores a new connection record with a fresh TTL.
func (s *Store) Register(ctx context.Context, connID, userID string) error {
	now := time.Now().Unix()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, connKey(connID), map[string]interface{}{
		"id":          connID,
		"user":        userID,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, connKey(connID), ConnTTL)
	pipe.SAdd(ctx, userKey(userID), connID)
	pipe.Expire(ctx, userKey(userID), ConnTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: register %s: %w", connID, err)
	}
	return nil
}

// AddRoom records that the connection joined a loan room.
func (s *Store) AddRoom(ctx context.Context, connID, loanID string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, roomsKey(connID), loanID)
	pipe.Expire(ctx, roomsKey(connID), ConnTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: add room %s/%s: %w", connID, loanID, err)
	}
	return nil
}

// RemoveRoom records that the connection left a loan room.
func (s *Store) RemoveRoom(ctx context.Context, connID, loanID string) error {
	if err := s.client.SRem(ctx, roomsKey(connID), loanID).Err(); err != nil {
		return fmt.Errorf("session: remove room %s/%s: %w", connID, loanID, err)
	}
	return nil
}

// Remove deletes the connection record and its room set.
func (s *Store) Remove(ctx context.Context, connID string) error {
	userID, err := s.client.HGet(ctx, connKey(connID), "user").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("session: remove %s: %w", connID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, connKey(connID), roomsKey(connID))
	if userID != "" {
		pipe.SRem(ctx, userKey(userID), connID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: remove %s: %w", connID, err)
	}
	return nil
}

// Get retrieves a connection record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Conn, error) {
	var c Conn
	if err := s.client.HGetAll(ctx, connKey(connID)).Scan(&c); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", connID, err)
	}
	if c.ID == "" {
		return nil, nil // not found
	}
	return &c, nil
}

// RoomsFor returns the loans a connection has joined, sorted.
func (s *Store) RoomsFor(ctx context.Context, connID string) ([]string, error) {
	rooms, err := s.client.SMembers(ctx, roomsKey(connID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: rooms for %s: %w", connID, err)
	}
	sort.Strings(rooms)
	return rooms, nil
}

// ConnsOf returns the ids of a user's connections across all nodes, sorted.
func (s *Store) ConnsOf(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: conns of %s: %w", userID, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Touch marks the connection active and extends its TTL.
func (s *Store) Touch(ctx context.Context, connID string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, connKey(connID), "last_active", time.Now().Unix())
	pipe.Expire(ctx, connKey(connID), ConnTTL)
	pipe.Expire(ctx, roomsKey(connID), ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}
