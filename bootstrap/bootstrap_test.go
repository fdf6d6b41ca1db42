package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Clever/tokenbucket"
	"github.com/Clever/tokenbucket/config"
	"github.com/Clever/tokenbucket/distributed"
	"github.com/Clever/tokenbucket/memory"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func testFile(t *testing.T, backend string) *config.File {
	f, err := config.Parse([]byte(`
defaults:
  capacity: 3
  refill_rate: 1
presets:
  login:
    capacity: 2
    refill_rate: 0.5
  export:
    capacity: 10
    refill_rate: 1
    cost: 4
`))
	require.NoError(t, err)
	f.Store.Backend = backend
	return f
}

func open(t *testing.T, f *config.File, opts ...Option) (*Runtime, *tokenbucket.ManualClock) {
	clock := tokenbucket.NewManualClock(time.Now())
	opts = append([]Option{WithLogger(quiet), WithClock(clock)}, opts...)
	rt, err := Open(context.Background(), f, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, rt.Close()) })
	return rt, clock
}

// exercise drives a runtime through presets and keyed operations.
func exercise(t *testing.T, rt *Runtime) {
	ctx := context.Background()

	for range 2 {
		res, err := rt.Allow(ctx, "login", "alice")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := rt.Allow(ctx, "login", "alice")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	res, err = rt.Allow(ctx, "export", "report:7")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 6.0, res.Remaining)

	_, err = rt.Allow(ctx, "nope", "alice")
	require.ErrorIs(t, err, tokenbucket.ErrNotFound)

	// keyed operations on an unknown key use the defaults
	ares, err := rt.Registry.Allow(ctx, "bob", 1)
	require.NoError(t, err)
	require.Equal(t, 2.0, ares.Remaining)

	list, err := rt.Registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "alice", list[0].Key)
	assert.Equal(t, 2.0, list[0].Config.Capacity)
}

func TestLocal(t *testing.T) {
	rt, _ := open(t, testFile(t, config.BackendLocal))
	require.Nil(t, rt.Store)
	exercise(t, rt)

	b, ok := rt.Registry.Lookup("alice")
	require.True(t, ok)
	require.IsType(t, &memory.Bucket{}, b)
}

func TestMemoryStore(t *testing.T) {
	rt, _ := open(t, testFile(t, config.BackendMemory))
	require.IsType(t, &memory.Store{}, rt.Store)
	exercise(t, rt)

	b, ok := rt.Registry.Lookup("alice")
	require.True(t, ok)
	require.IsType(t, &distributed.Engine{}, b)
	require.Equal(t, 3, rt.Store.(*memory.Store).Len())
}

func TestRedis(t *testing.T) {
	for _, backend := range []string{config.BackendRedis, config.BackendGoRedis} {
		t.Run(backend, func(t *testing.T) {
			mr := miniredis.RunT(t)
			f := testFile(t, backend)
			f.Store.Redis.Address = mr.Addr()
			f.Store.Redis.Prefix = "rl:"
			rt, _ := open(t, f)
			require.NoError(t, rt.Store.Ping(context.Background()))
			exercise(t, rt)
			require.True(t, mr.Exists("rl:alice"))
		})
	}
}

func TestFailurePolicy(t *testing.T) {
	mr := miniredis.RunT(t)
	f := testFile(t, config.BackendGoRedis)
	f.Store.Redis.Address = mr.Addr()
	f.Store.Redis.ReadTimeout = 100 * time.Millisecond
	f.Failure.Mode = "closed"

	rt, _ := open(t, f)
	ctx := context.Background()
	_, err := rt.Registry.Allow(ctx, "alice", 1)
	require.NoError(t, err)

	mr.Close()
	_, err = rt.Registry.Allow(ctx, "alice", 1)
	require.ErrorIs(t, err, tokenbucket.ErrStoreUnavailable)
}

func TestInsuranceFromFile(t *testing.T) {
	mr := miniredis.RunT(t)
	f := testFile(t, config.BackendRedis)
	f.Store.Redis.Address = mr.Addr()
	f.Failure.Insurance = &config.Bucket{Capacity: 1, RefillRate: 1}

	events := tokenbucket.NewChanObserver(16)
	rt, _ := open(t, f, WithObserver(events))
	mr.Close()

	ctx := context.Background()
	res, err := rt.Registry.Allow(ctx, "alice", 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.True(t, res.Degraded)
	res, err = rt.Registry.Allow(ctx, "alice", 1)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	kinds := map[tokenbucket.EventKind]bool{}
	for len(events.C) > 0 {
		kinds[(<-events.C).Kind] = true
	}
	require.True(t, kinds[tokenbucket.EventStoreError])
	require.True(t, kinds[tokenbucket.EventInsuranceActivated])
}

func TestEviction(t *testing.T) {
	f := testFile(t, config.BackendMemory)
	f.Registry.IdleTTL = time.Minute
	f.Registry.SweepInterval = time.Hour

	rt, clock := open(t, f)
	ctx := context.Background()
	_, err := rt.Registry.Allow(ctx, "alice", 1)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, rt.Registry.Sweep(ctx))
	require.Zero(t, rt.Store.(*memory.Store).Len())
}

func TestOpenRejectsInvalidFile(t *testing.T) {
	f := config.New()
	f.Store.Backend = "cassandra"
	_, err := Open(context.Background(), f, WithLogger(quiet))
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestAWSConfig(t *testing.T) {
	cfg, err := AWSConfig(context.Background(), config.DynamoDB{
		Region:          "eu-west-1",
		AccessKeyID:     "id",
		SecretAccessKey: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", cfg.Region)

	creds, err := cfg.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "id", creds.AccessKeyID)
	assert.Equal(t, "secret", creds.SecretAccessKey)
}
