// Package session caches the downstream MCP session id per registered server.
package session

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "mcp-hub:session:"

// Store maps server id to the current downstream MCP session id. The default
// backend is in-memory; a Redis backend can be selected with a connection
// string so several hub replicas share session state.
type Store struct {
	connectionString string
	inmemory         *sync.Map
	extClient        *redis.Client
}

// New returns a new Store.
func New(ctx context.Context, opts ...func(*Store)) (*Store, error) {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	if s.connectionString != "" {
		opt, err := redis.ParseURL(s.connectionString)
		if err != nil {
			return s, err
		}
		s.extClient = redis.NewClient(opt)
		return s, s.extClient.Ping(ctx).Err()
	}
	s.inmemory = &sync.Map{}
	return s, nil
}

// WithConnectionString accepts a redis connection string "redis://<user>:<pass>@localhost:6379/<db>"
func WithConnectionString(url string) func(s *Store) {
	return func(s *Store) {
		s.inmemory = nil
		s.connectionString = url
	}
}

// Get returns the session id stored for the server, if any.
func (s *Store) Get(ctx context.Context, serverID string) (string, bool, error) {
	if s.inmemory != nil {
		val, ok := s.inmemory.Load(serverID)
		if !ok {
			return "", false, nil
		}
		return val.(string), true, nil
	}
	val, err := s.extClient.Get(ctx, redisKeyPrefix+serverID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set stores the session id for the server, replacing any previous value.
func (s *Store) Set(ctx context.Context, serverID, sessionID string) error {
	if s.inmemory != nil {
		s.inmemory.Store(serverID, sessionID)
		return nil
	}
	return s.extClient.Set(ctx, redisKeyPrefix+serverID, sessionID, 0).Err()
}

// Delete drops the session id for the server. Unknown ids are a no-op.
func (s *Store) Delete(ctx context.Context, serverID string) error {
	if s.inmemory != nil {
		s.inmemory.Delete(serverID)
		return nil
	}
	return s.extClient.Del(ctx, redisKeyPrefix+serverID).Err()
}

// Close closes the store connection.
func (s *Store) Close() error {
	if s.inmemory != nil {
		return nil
	}
	return s.extClient.Close()
}
