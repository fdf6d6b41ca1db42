// Package goredis is a tokenbucket.Store on github.com/redis/go-redis. It shares its
// record layout and script with package redis, so both can serve the same keys.
package goredis

import (
	"context"
	"time"

	"github.com/Clever/tokenbucket"
	"github.com/Clever/tokenbucket/internal/redisscript"
	"github.com/redis/go-redis/v9"
)

var _ tokenbucket.Store = &Store{}

var script = redis.NewScript(redisscript.Source)

// Store keeps bucket records in redis hashes through a go-redis client. Any
// UniversalClient works: a single node, a sentinel failover group or a cluster.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key the store touches.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New wraps client. The store does not own the client and never closes it.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply runs the bucket script against key.
func (s *Store) Apply(ctx context.Context, key string, cfg tokenbucket.Config, op tokenbucket.Op, now time.Time, ttl time.Duration) (tokenbucket.Outcome, error) {
	reply, err := script.Run(ctx, s.client, []string{s.prefix + key}, redisscript.Args(cfg, op, now, ttl)...).Result()
	if err != nil {
		return tokenbucket.Outcome{}, err
	}
	return redisscript.Parse(reply)
}

// Load reads the hash under key.
func (s *Store) Load(ctx context.Context, key string) (tokenbucket.State, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+key).Result()
	if err != nil {
		return tokenbucket.State{}, err
	}
	return redisscript.ParseState(fields)
}

// Delete removes the hash under key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// Ping checks the connection to redis.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
