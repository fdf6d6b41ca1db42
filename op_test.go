package tokenbucket

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateCreatesFullBucket(t *testing.T) {
	out := Evaluate(testConfig, State{}, false, Op{Kind: OpStatus}, testEpoch)
	assert.True(t, out.Created)
	assert.Equal(t, testConfig.Capacity, out.After.Tokens)
	assert.Equal(t, testEpoch, out.After.LastRefill)
}

func TestEvaluateClampsCorruptState(t *testing.T) {
	st := State{Tokens: 42, LastRefill: testEpoch}
	out := Evaluate(testConfig, st, true, Op{Kind: OpStatus}, testEpoch)
	assert.True(t, out.Clamped)
	assert.Equal(t, testConfig.Capacity, out.After.Tokens)

	st.Tokens = -3
	out = Evaluate(testConfig, st, true, Op{Kind: OpStatus}, testEpoch)
	assert.True(t, out.Clamped)
	assert.Zero(t, out.After.Tokens)

	st.Tokens = math.NaN()
	out = Evaluate(testConfig, st, true, Op{Kind: OpStatus}, testEpoch)
	assert.True(t, out.Clamped)
	assert.Zero(t, out.After.Tokens)
}

func TestEvaluateIgnoresClockGoingBackwards(t *testing.T) {
	st := State{Tokens: 4, LastRefill: testEpoch}
	out := Evaluate(testConfig, st, true, Op{Kind: OpAllow, Amount: 1}, testEpoch.Add(-time.Second))
	assert.True(t, out.Allowed)
	assert.Equal(t, 3.0, out.After.Tokens)
	assert.Equal(t, testEpoch, out.After.LastRefill)
}

func TestEvaluateRefillCapsAtCapacity(t *testing.T) {
	st := State{Tokens: 0, LastRefill: testEpoch}
	out := Evaluate(testConfig, st, true, Op{Kind: OpStatus}, testEpoch.Add(time.Hour))
	assert.Equal(t, testConfig.Capacity, out.After.Tokens)
	assert.False(t, out.Clamped)
}

func TestEvaluateCap(t *testing.T) {
	st := State{Tokens: 6, LastRefill: testEpoch}
	out := Evaluate(testConfig, st, true, Op{Kind: OpCap, Amount: 8}, testEpoch)
	assert.Equal(t, 6.0, out.After.Tokens)
	out = Evaluate(testConfig, st, true, Op{Kind: OpCap, Amount: 2}, testEpoch)
	assert.Equal(t, 2.0, out.After.Tokens)
}

func TestEvaluateExpiredBlockIsDropped(t *testing.T) {
	st := State{Tokens: 1, LastRefill: testEpoch, BlockedUntil: testEpoch.Add(time.Second)}
	out := Evaluate(testConfig, st, true, Op{Kind: OpUnblock}, testEpoch.Add(2*time.Second))
	assert.False(t, out.WasBlocked)
	assert.True(t, out.After.BlockedUntil.IsZero())
}

func TestExpiry(t *testing.T) {
	st := State{BlockedUntil: testEpoch.Add(time.Hour)}
	assert.Equal(t, time.Hour, Expiry(st, testEpoch, time.Minute))
	assert.Equal(t, 2*time.Hour, Expiry(st, testEpoch, 2*time.Hour))
	assert.Equal(t, time.Minute, Expiry(State{}, testEpoch, time.Minute))
}

func TestDefaultTTL(t *testing.T) {
	assert.Equal(t, time.Minute, DefaultTTL(Config{Capacity: 10, RefillRate: 2}))
	assert.Equal(t, 200*time.Second, DefaultTTL(Config{Capacity: 100, RefillRate: 1}))

	// refill times past the longest Duration saturate instead of wrapping
	assert.Equal(t, time.Duration(math.MaxInt64), DefaultTTL(Config{Capacity: 1e10, RefillRate: 1}))
	assert.Equal(t, time.Duration(math.MaxInt64), DefaultTTL(Config{Capacity: 1e300, RefillRate: 1e-300}))
	assert.Equal(t, time.Duration(math.MaxInt64), DefaultTTL(Config{Capacity: 5e9, RefillRate: 1}))
}

func TestEvaluateRetryAfterSaturates(t *testing.T) {
	cfg := Config{Capacity: 1e12, RefillRate: 1}
	out := Evaluate(cfg, State{LastRefill: testEpoch}, true, Op{Kind: OpAllow, Amount: 1e12}, testEpoch)
	require.False(t, out.Allowed)
	assert.Equal(t, time.Duration(math.MaxInt64), out.RetryAfter)

	out = Evaluate(cfg, State{LastRefill: testEpoch}, true, Op{Kind: OpAllow, Amount: 1e9}, testEpoch)
	require.False(t, out.Allowed)
	assert.Equal(t, 1e9*time.Second, out.RetryAfter)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, Config{Capacity: 1, RefillRate: 0.1}.Validate())
	for _, c := range []Config{
		{Capacity: 0, RefillRate: 1},
		{Capacity: 1, RefillRate: 0},
		{Capacity: math.NaN(), RefillRate: 1},
		{Capacity: math.Inf(1), RefillRate: 1},
		{Capacity: 1, RefillRate: 1, TTL: -time.Second},
	} {
		assert.True(t, errors.Is(c.Validate(), ErrInvalidArgument), "%+v should be invalid", c)
	}
}

func TestCheckAmount(t *testing.T) {
	require.NoError(t, CheckAmount("cost", 0))
	require.ErrorIs(t, CheckAmount("cost", -1), ErrInvalidArgument)
	require.ErrorIs(t, CheckAmount("cost", math.Inf(1)), ErrInvalidArgument)
	require.ErrorIs(t, CheckKey(""), ErrInvalidArgument)
	require.ErrorIs(t, CheckBlock(-time.Second), ErrInvalidArgument)
}

func TestOutcomeEvent(t *testing.T) {
	out := Evaluate(testConfig, State{}, false, Op{Kind: OpAllow, Amount: 2}, testEpoch)
	e, ok := OutcomeEvent("k", testConfig, Op{Kind: OpAllow, Amount: 2}, out, testEpoch)
	require.True(t, ok)
	assert.Equal(t, EventAllowed, e.Kind)
	assert.Equal(t, 8.0, e.Tokens)
	assert.Equal(t, 2.0, e.Cost)

	st := State{Tokens: 10, LastRefill: testEpoch, BlockedUntil: testEpoch.Add(time.Second)}
	out = Evaluate(testConfig, st, true, Op{Kind: OpAllow, Amount: 1}, testEpoch)
	e, ok = OutcomeEvent("k", testConfig, Op{Kind: OpAllow, Amount: 1}, out, testEpoch)
	require.True(t, ok)
	assert.Equal(t, EventLimitExceeded, e.Kind)
	assert.Equal(t, ReasonBlocked, e.Reason)
	assert.Equal(t, time.Second, e.RetryAfter)

	_, ok = OutcomeEvent("k", testConfig, Op{Kind: OpStatus}, out, testEpoch)
	assert.False(t, ok)
}

func TestChanObserverDropsWhenFull(t *testing.T) {
	o := NewChanObserver(1)
	o.Observe(Event{Kind: EventAllowed})
	o.Observe(Event{Kind: EventReset})
	assert.Equal(t, int64(1), o.Dropped())
	assert.Equal(t, EventAllowed, (<-o.C).Kind)
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	Observers{LogObserver{Logger: logger}, NopObserver{}}.Observe(Event{
		Kind:      EventStoreError,
		Key:       "k",
		Operation: "allow",
		Err:       errors.New("connection refused"),
	})
	line := buf.String()
	assert.True(t, strings.Contains(line, "level=WARN"), line)
	assert.True(t, strings.Contains(line, "storeError"), line)
	assert.True(t, strings.Contains(line, "connection refused"), line)
}

func TestManualClock(t *testing.T) {
	c := NewManualClock(testEpoch)
	c.Advance(time.Second)
	assert.Equal(t, testEpoch.Add(time.Second), c.Now())
}
