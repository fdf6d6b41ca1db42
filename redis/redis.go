package redis

import (
	"context"
	"time"

	"github.com/Clever/tokenbucket"
	"github.com/Clever/tokenbucket/internal/redisscript"
	"github.com/garyburd/redigo/redis"
)

var _ tokenbucket.Store = &Store{}

var script = redis.NewScript(1, redisscript.Source)

// Store keeps bucket records in redis hashes. Every Apply is a single script run, so it is
// atomic across processes sharing the server.
type Store struct {
	pool   *redis.Pool
	prefix string
	dial   []redis.DialOption
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key the store touches.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithPool uses an existing connection pool instead of dialing one.
func WithPool(pool *redis.Pool) Option {
	return func(s *Store) {
		s.pool = pool
	}
}

// WithDialOptions adds options to every dial, e.g. redis.DialPassword or
// redis.DialDatabase. Ignored with WithPool.
func WithDialOptions(opts ...redis.DialOption) Option {
	return func(s *Store) {
		s.dial = append(s.dial, opts...)
	}
}

// New initializes the connection pool to redis.
func New(network, address string, readTimeout, writeTimeout time.Duration, opts ...Option) (*Store, error) {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	if s.pool == nil {
		s.pool = &redis.Pool{
			MaxIdle:     5,
			IdleTimeout: 4 * time.Minute,
			Dial: func() (redis.Conn, error) {
				dial := append([]redis.DialOption{
					redis.DialReadTimeout(readTimeout),
					redis.DialWriteTimeout(writeTimeout),
				}, s.dial...)
				return redis.Dial(network, address, dial...)
			},
			TestOnBorrow: func(c redis.Conn, t time.Time) error {
				if time.Since(t) < time.Minute {
					return nil
				}
				_, err := c.Do("PING")
				return err
			},
		}
	}
	return s, nil
}

func (s *Store) key(key string) string {
	return s.prefix + key
}

// Apply runs the bucket script against key.
func (s *Store) Apply(ctx context.Context, key string, cfg tokenbucket.Config, op tokenbucket.Op, now time.Time, ttl time.Duration) (tokenbucket.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return tokenbucket.Outcome{}, err
	}
	conn := s.pool.Get()
	defer conn.Close()

	args := append([]interface{}{s.key(key)}, redisscript.Args(cfg, op, now, ttl)...)
	reply, err := script.Do(conn, args...)
	if err != nil {
		return tokenbucket.Outcome{}, err
	}
	return redisscript.Parse(reply)
}

// Load reads the hash under key.
func (s *Store) Load(ctx context.Context, key string) (tokenbucket.State, error) {
	if err := ctx.Err(); err != nil {
		return tokenbucket.State{}, err
	}
	conn := s.pool.Get()
	defer conn.Close()

	fields, err := redis.StringMap(conn.Do("HGETALL", s.key(key)))
	if err != nil {
		return tokenbucket.State{}, err
	}
	return redisscript.ParseState(fields)
}

// Delete removes the hash under key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn := s.pool.Get()
	defer conn.Close()

	_, err := conn.Do("DEL", s.key(key))
	return err
}

// Ping checks the connection to redis.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn := s.pool.Get()
	defer conn.Close()

	_, err := conn.Do("PING")
	return err
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}
