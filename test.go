package tokenbucket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// The builders below return conformance tests for a Store. They are meant to be used by
// Store implementers, and pass explicit times to Apply so they never sleep.

var (
	testEpoch  = time.Unix(1700000000, 0)
	testConfig = Config{Capacity: 10, RefillRate: 2}
	testTTL    = time.Minute
)

func freshKey(t *testing.T, s Store, key string) string {
	require.NoError(t, s.Delete(context.Background(), key))
	return key
}

// CreateTest checks that the first Apply against a key sees a full bucket.
func CreateTest(s Store) func(*testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		key := freshKey(t, s, "conformance:create")

		_, err := s.Load(ctx, key)
		require.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)

		out, err := s.Apply(ctx, key, testConfig, Op{Kind: OpStatus}, testEpoch, testTTL)
		require.NoError(t, err)
		require.True(t, out.Created)
		require.Equal(t, testConfig.Capacity, out.After.Tokens)

		st, err := s.Load(ctx, key)
		require.NoError(t, err)
		require.Equal(t, testConfig.Capacity, st.Tokens)
		require.True(t, st.LastRefill.Equal(testEpoch), "last refill %v, want %v", st.LastRefill, testEpoch)

		out, err = s.Apply(ctx, key, testConfig, Op{Kind: OpStatus}, testEpoch, testTTL)
		require.NoError(t, err)
		require.False(t, out.Created)
	}
}

// AllowTest drains a bucket, checks the retry hint and lets it refill.
func AllowTest(s Store) func(*testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		key := freshKey(t, s, "conformance:allow")
		allow := Op{Kind: OpAllow, Amount: 1}

		for i := range 10 {
			out, err := s.Apply(ctx, key, testConfig, allow, testEpoch, testTTL)
			require.NoError(t, err)
			require.True(t, out.Allowed, "request %d should be allowed", i+1)
		}
		out, err := s.Apply(ctx, key, testConfig, allow, testEpoch, testTTL)
		require.NoError(t, err)
		require.False(t, out.Allowed)
		require.Equal(t, 500*time.Millisecond, out.RetryAfter)
		require.Zero(t, out.After.Tokens)

		later := testEpoch.Add(500 * time.Millisecond)
		out, err = s.Apply(ctx, key, testConfig, Op{Kind: OpStatus}, later, testTTL)
		require.NoError(t, err)
		require.InDelta(t, 1, out.After.Tokens, 1e-9)

		out, err = s.Apply(ctx, key, testConfig, allow, later, testTTL)
		require.NoError(t, err)
		require.True(t, out.Allowed)

		out, err = s.Apply(ctx, key, testConfig, Op{Kind: OpStatus}, testEpoch.Add(time.Hour), testTTL)
		require.NoError(t, err)
		require.Equal(t, testConfig.Capacity, out.After.Tokens)
	}
}

// ThreadSafeAllowTest races n callers for n-1 tokens; exactly one must lose.
func ThreadSafeAllowTest(s Store) func(*testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		key := freshKey(t, s, "conformance:threadsafe")
		const n = 25

		cfg := Config{Capacity: n, RefillRate: 1}
		_, err := s.Apply(ctx, key, cfg, Op{Kind: OpReset, Amount: n - 1}, testEpoch, testTTL)
		require.NoError(t, err)

		var allowed atomic.Int64
		var wg sync.WaitGroup
		wg.Add(n)
		for range n {
			go func() {
				defer wg.Done()
				out, err := s.Apply(ctx, key, cfg, Op{Kind: OpAllow, Amount: 1}, testEpoch, testTTL)
				if err != nil {
					t.Error(err)
					return
				}
				if out.Allowed {
					allowed.Add(1)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, int64(n-1), allowed.Load())
	}
}

// BlockTest checks that a block rejects requests until it lapses or is lifted.
func BlockTest(s Store) func(*testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		key := freshKey(t, s, "conformance:block")
		allow := Op{Kind: OpAllow, Amount: 1}

		out, err := s.Apply(ctx, key, testConfig, Op{Kind: OpBlock, Duration: 5 * time.Second}, testEpoch, testTTL)
		require.NoError(t, err)
		require.True(t, out.After.BlockedUntil.Equal(testEpoch.Add(5*time.Second)))

		out, err = s.Apply(ctx, key, testConfig, allow, testEpoch.Add(time.Second), testTTL)
		require.NoError(t, err)
		require.False(t, out.Allowed)
		require.True(t, out.WasBlocked)
		require.Equal(t, 4*time.Second, out.RetryAfter)
		require.Equal(t, testConfig.Capacity, out.After.Tokens)

		out, err = s.Apply(ctx, key, testConfig, allow, testEpoch.Add(5*time.Second), testTTL)
		require.NoError(t, err)
		require.True(t, out.Allowed)
		require.True(t, out.After.BlockedUntil.IsZero())

		now := testEpoch.Add(10 * time.Second)
		_, err = s.Apply(ctx, key, testConfig, Op{Kind: OpBlock, Duration: time.Hour}, now, testTTL)
		require.NoError(t, err)
		out, err = s.Apply(ctx, key, testConfig, Op{Kind: OpUnblock}, now, testTTL)
		require.NoError(t, err)
		require.True(t, out.WasBlocked)
		out, err = s.Apply(ctx, key, testConfig, allow, now, testTTL)
		require.NoError(t, err)
		require.True(t, out.Allowed)
	}
}

// PenaltyRewardTest checks the floor and the cap of balance adjustments.
func PenaltyRewardTest(s Store) func(*testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		key := freshKey(t, s, "conformance:adjust")

		_, err := s.Apply(ctx, key, testConfig, Op{Kind: OpReset, Amount: 3}, testEpoch, testTTL)
		require.NoError(t, err)
		out, err := s.Apply(ctx, key, testConfig, Op{Kind: OpPenalty, Amount: 10}, testEpoch, testTTL)
		require.NoError(t, err)
		require.Equal(t, 3.0, out.Before.Tokens)
		require.Zero(t, out.After.Tokens)

		out, err = s.Apply(ctx, key, testConfig, Op{Kind: OpReward, Amount: 4}, testEpoch, testTTL)
		require.NoError(t, err)
		require.Equal(t, 4.0, out.After.Tokens)
		require.False(t, out.Capped)

		out, err = s.Apply(ctx, key, testConfig, Op{Kind: OpReward, Amount: 100}, testEpoch, testTTL)
		require.NoError(t, err)
		require.Equal(t, testConfig.Capacity, out.After.Tokens)
		require.True(t, out.Capped)

		out, err = s.Apply(ctx, key, testConfig, Op{Kind: OpCap, Amount: 2.5}, testEpoch, testTTL)
		require.NoError(t, err)
		require.Equal(t, 2.5, out.After.Tokens)
	}
}

// ResetTest checks that reset sets the balance and leaves a block alone.
func ResetTest(s Store) func(*testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		key := freshKey(t, s, "conformance:reset")

		_, err := s.Apply(ctx, key, testConfig, Op{Kind: OpBlock, Duration: time.Minute}, testEpoch, testTTL)
		require.NoError(t, err)
		_, err = s.Apply(ctx, key, testConfig, Op{Kind: OpPenalty, Amount: 7}, testEpoch, testTTL)
		require.NoError(t, err)

		out, err := s.Apply(ctx, key, testConfig, Op{Kind: OpReset, Amount: testConfig.Capacity}, testEpoch, testTTL)
		require.NoError(t, err)
		require.Equal(t, 3.0, out.Before.Tokens)
		require.Equal(t, testConfig.Capacity, out.After.Tokens)
		require.True(t, out.After.Blocked(testEpoch))

		out, err = s.Apply(ctx, key, testConfig, Op{Kind: OpReset, Amount: 50}, testEpoch, testTTL)
		require.NoError(t, err)
		require.Equal(t, testConfig.Capacity, out.After.Tokens)
	}
}

// DeleteTest checks that deleted records are gone and that deleting twice is harmless.
func DeleteTest(s Store) func(*testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		key := freshKey(t, s, "conformance:delete")

		_, err := s.Apply(ctx, key, testConfig, Op{Kind: OpAllow, Amount: 4}, testEpoch, testTTL)
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, key))
		require.NoError(t, s.Delete(ctx, key))

		_, err = s.Load(ctx, key)
		require.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)

		out, err := s.Apply(ctx, key, testConfig, Op{Kind: OpStatus}, testEpoch, testTTL)
		require.NoError(t, err)
		require.True(t, out.Created)
		require.Equal(t, testConfig.Capacity, out.After.Tokens)
	}
}

// PingTest checks the liveness probe of a reachable store.
func PingTest(s Store) func(*testing.T) {
	return func(t *testing.T) {
		require.NoError(t, s.Ping(context.Background()))
	}
}
