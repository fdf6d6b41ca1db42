/*
Package tokenbucket provides token buckets for admission control: https://en.wikipedia.org/wiki/Token_bucket

A bucket holds up to Capacity tokens and regains RefillRate tokens per second. Callers spend
tokens with Allow, adjust the balance with Penalty and Reward, and can Block a bucket for a
while regardless of its balance. Implementations live in sub-packages: memory holds a
single-process bucket, distributed coordinates a bucket through a shared Store (redis,
goredis, dynamodb) and falls back to a local bucket while the store is unreachable.
*/
package tokenbucket

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidArgument is returned for negative or non-finite amounts, empty keys and bad configs.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when an operation addresses a bucket that does not exist.
	ErrNotFound = errors.New("bucket not found")

	// ErrStoreUnavailable is returned by distributed buckets configured to fail closed.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrContention is returned by a Store that reached the record but could not write it
	// because other writers kept winning. The store is up; the operation did not happen.
	ErrContention = errors.New("store contention")
)

// Config of a bucket. Capacity and RefillRate never change for the lifetime of a bucket.
type Config struct {
	// Capacity is the maximum number of tokens.
	Capacity float64
	// RefillRate is the number of tokens regained per second.
	RefillRate float64
	// TTL is how long an idle bucket record is kept by a shared store. Zero uses the
	// engine default.
	TTL time.Duration
}

// Validate reports whether the config can back a bucket.
func (c Config) Validate() error {
	if !(c.Capacity > 0) || math.IsInf(c.Capacity, 0) {
		return fmt.Errorf("%w: capacity must be positive, got %v", ErrInvalidArgument, c.Capacity)
	}
	if !(c.RefillRate > 0) || math.IsInf(c.RefillRate, 0) {
		return fmt.Errorf("%w: refill rate must be positive, got %v", ErrInvalidArgument, c.RefillRate)
	}
	if c.TTL < 0 {
		return fmt.Errorf("%w: ttl must not be negative, got %v", ErrInvalidArgument, c.TTL)
	}
	return nil
}

// State is the record a bucket owns.
type State struct {
	Tokens     float64
	LastRefill time.Time
	// BlockedUntil is zero when the bucket is not blocked.
	BlockedUntil time.Time
}

// Blocked reports whether the bucket is blocked at now.
func (s State) Blocked(now time.Time) bool {
	return !s.BlockedUntil.IsZero() && now.Before(s.BlockedUntil)
}

// AllowResult is the outcome of Allow.
type AllowResult struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until the request could succeed. Zero when allowed.
	RetryAfter time.Duration
	Degraded   bool
}

// PenaltyResult is the outcome of Penalty.
type PenaltyResult struct {
	Applied  bool
	Before   float64
	After    float64
	Degraded bool
}

// RewardResult is the outcome of Reward.
type RewardResult struct {
	Applied bool
	Before  float64
	After   float64
	// Capped is true when the reward was clamped at capacity.
	Capped   bool
	Degraded bool
}

// BlockResult is the outcome of Block.
type BlockResult struct {
	BlockedUntil time.Time
	Degraded     bool
}

// UnblockResult is the outcome of Unblock.
type UnblockResult struct {
	WasBlocked bool
	Degraded   bool
}

// ResetResult is the outcome of Reset and ResetTo.
type ResetResult struct {
	Before   float64
	After    float64
	Capacity float64
	Degraded bool
}

// Status is a read-only snapshot of a bucket.
type Status struct {
	Tokens     float64
	Capacity   float64
	RefillRate float64
	Blocked    bool
	// BlockedFor is the time remaining until the block lifts.
	BlockedFor time.Duration
	Degraded   bool
}

// Bucket is the operation set shared by local and distributed buckets.
// Running out of tokens is reported through results, never through errors.
type Bucket interface {
	// Key the bucket is registered under.
	Key() string

	// Config of the bucket.
	Config() Config

	// Allow spends cost tokens if the bucket is not blocked and holds enough of them.
	Allow(ctx context.Context, cost float64) (AllowResult, error)

	// Penalty removes points tokens, flooring the balance at zero.
	Penalty(ctx context.Context, points float64) (PenaltyResult, error)

	// Reward adds points tokens, capping the balance at capacity.
	Reward(ctx context.Context, points float64) (RewardResult, error)

	// Block rejects every Allow for d, whatever the balance.
	Block(ctx context.Context, d time.Duration) (BlockResult, error)

	// Unblock lifts a block.
	Unblock(ctx context.Context) (UnblockResult, error)

	// Reset refills the bucket to capacity. The block state is left as is.
	Reset(ctx context.Context) (ResetResult, error)

	// ResetTo sets the balance to tokens, clamped at capacity.
	ResetTo(ctx context.Context, tokens float64) (ResetResult, error)

	// Status refills the bucket and reports it without spending tokens.
	Status(ctx context.Context) (Status, error)

	// Peek reports the bucket as Status would without writing anything back.
	Peek(ctx context.Context) (Status, error)
}

// CheckAmount validates a cost or point amount.
func CheckAmount(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s must be finite, got %v", ErrInvalidArgument, name, v)
	}
	if v < 0 {
		return fmt.Errorf("%w: %s must not be negative, got %v", ErrInvalidArgument, name, v)
	}
	return nil
}

// CheckBlock validates a block duration.
func CheckBlock(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: block duration must be positive, got %v", ErrInvalidArgument, d)
	}
	return nil
}

// CheckKey validates a bucket key.
func CheckKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}
	return nil
}
