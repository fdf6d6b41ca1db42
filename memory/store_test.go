package memory

import (
	"context"
	"testing"
	"time"

	"github.com/Clever/tokenbucket"
	"github.com/stretchr/testify/require"
)

func TestStoreCreate(t *testing.T) {
	tokenbucket.CreateTest(NewStore(nil))(t)
}

func TestStoreAllow(t *testing.T) {
	tokenbucket.AllowTest(NewStore(nil))(t)
}

func TestStoreThreadSafeAllow(t *testing.T) {
	tokenbucket.ThreadSafeAllowTest(NewStore(nil))(t)
}

func TestStoreBlock(t *testing.T) {
	tokenbucket.BlockTest(NewStore(nil))(t)
}

func TestStorePenaltyReward(t *testing.T) {
	tokenbucket.PenaltyRewardTest(NewStore(nil))(t)
}

func TestStoreReset(t *testing.T) {
	tokenbucket.ResetTest(NewStore(nil))(t)
}

func TestStoreDelete(t *testing.T) {
	tokenbucket.DeleteTest(NewStore(nil))(t)
}

func TestStorePing(t *testing.T) {
	tokenbucket.PingTest(NewStore(nil))(t)
}

// package specific tests
func TestStoreExpiry(t *testing.T) {
	ctx := context.Background()
	clock := tokenbucket.NewManualClock(time.Now())
	s := NewStore(clock)
	cfg := tokenbucket.Config{Capacity: 5, RefillRate: 1}

	_, err := s.Apply(ctx, "idle", cfg, tokenbucket.Op{Kind: tokenbucket.OpAllow, Amount: 5}, clock.Now(), time.Minute)
	require.NoError(t, err)
	_, err = s.Apply(ctx, "blocked", cfg, tokenbucket.Op{Kind: tokenbucket.OpBlock, Duration: time.Hour}, clock.Now(), time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())

	clock.Advance(2 * time.Minute)
	_, err = s.Load(ctx, "idle")
	require.ErrorIs(t, err, tokenbucket.ErrNotFound)
	st, err := s.Load(ctx, "blocked")
	require.NoError(t, err)
	require.False(t, st.BlockedUntil.IsZero())
	require.Equal(t, 1, s.Len())

	clock.Advance(time.Hour)
	require.Equal(t, 0, s.Len())
}

func TestStoreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewStore(nil)

	_, err := s.Apply(ctx, "k", tokenbucket.Config{Capacity: 1, RefillRate: 1}, tokenbucket.Op{Kind: tokenbucket.OpAllow, Amount: 1}, time.Now(), time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, s.Len())
}
