package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Clever/tokenbucket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
defaults:
  capacity: 50
  refill_rate: 5
presets:
  login:
    capacity: 5
    refill_rate: 0.1
    ttl: 10m
  search:
    capacity: 200
    refill_rate: 20
    cost: 2.5
store:
  backend: goredis
  redis:
    address: redis:6379
    prefix: "rl:"
failure:
  mode: closed
  reconcile: merge
  insurance:
    capacity: 10
    refill_rate: 1
  breaker:
    errors: 5
    successes: 2
    timeout: 30s
registry:
  idle_ttl: 1h
  sweep_interval: 5m
`

func TestNew(t *testing.T) {
	f := New()
	require.NoError(t, f.Validate())
	assert.Equal(t, Bucket{Capacity: 100, RefillRate: 10}, f.Defaults)
	assert.Equal(t, BackendLocal, f.Store.Backend)
	assert.Equal(t, "insurance", f.Failure.Mode)
	assert.Equal(t, "keep", f.Failure.Reconcile)
	assert.NotNil(t, f.Presets)
}

func TestParse(t *testing.T) {
	f, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, Bucket{Capacity: 50, RefillRate: 5}, f.Defaults)
	assert.Equal(t, []string{"login", "search"}, f.PresetNames())
	assert.Equal(t, 10*time.Minute, f.Presets["login"].TTL)

	assert.Equal(t, BackendGoRedis, f.Store.Backend)
	assert.Equal(t, "redis:6379", f.Store.Redis.Address)
	assert.Equal(t, "rl:", f.Store.Redis.Prefix)
	// untouched fields keep their defaults
	assert.Equal(t, "tcp", f.Store.Redis.Network)
	assert.Equal(t, time.Second, f.Store.Redis.ReadTimeout)

	assert.Equal(t, "closed", f.Failure.Mode)
	assert.Equal(t, "merge", f.Failure.Reconcile)
	require.NotNil(t, f.Failure.Insurance)
	assert.Equal(t, 10.0, f.Failure.Insurance.Capacity)
	require.NotNil(t, f.Failure.Breaker)
	assert.Equal(t, Breaker{Errors: 5, Successes: 2, Timeout: 30 * time.Second}, *f.Failure.Breaker)

	assert.Equal(t, time.Hour, f.Registry.IdleTTL)
	assert.Equal(t, 5*time.Minute, f.Registry.SweepInterval)
}

func TestParseEmpty(t *testing.T) {
	f, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, New(), f)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("defaults:\n  capacity: 1\n  refill_rate: 1\n  burst: 3\n"))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseRejectsBadYAML(t *testing.T) {
	_, err := Parse([]byte("defaults: [1, 2"))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*File)
	}{
		{"zero capacity", func(f *File) { f.Defaults.Capacity = 0 }},
		{"negative refill rate", func(f *File) { f.Defaults.RefillRate = -1 }},
		{"bad preset", func(f *File) { f.Presets["x"] = Preset{Bucket: Bucket{Capacity: 1}} }},
		{"negative cost", func(f *File) {
			f.Presets["x"] = Preset{Bucket: Bucket{Capacity: 1, RefillRate: 1}, Cost: -1}
		}},
		{"empty preset name", func(f *File) { f.Presets[""] = Preset{Bucket: Bucket{Capacity: 1, RefillRate: 1}} }},
		{"unknown backend", func(f *File) { f.Store.Backend = "etcd" }},
		{"redis without address", func(f *File) {
			f.Store.Backend = BackendRedis
			f.Store.Redis.Address = ""
		}},
		{"dynamodb without table", func(f *File) { f.Store.Backend = BackendDynamoDB }},
		{"dynamodb with half the credentials", func(f *File) {
			f.Store.Backend = BackendDynamoDB
			f.Store.DynamoDB.Table = "buckets"
			f.Store.DynamoDB.AccessKeyID = "id"
		}},
		{"unknown failure mode", func(f *File) { f.Failure.Mode = "panic" }},
		{"unknown reconcile policy", func(f *File) { f.Failure.Reconcile = "sum" }},
		{"bad insurance", func(f *File) { f.Failure.Insurance = &Bucket{Capacity: 1} }},
		{"bad breaker", func(f *File) { f.Failure.Breaker = &Breaker{Errors: 1} }},
		{"idle ttl without sweeps", func(f *File) {
			f.Registry.IdleTTL = time.Minute
			f.Registry.SweepInterval = 0
		}},
		{"negative idle ttl", func(f *File) { f.Registry.IdleTTL = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New()
			tt.modify(f)
			require.ErrorIs(t, f.Validate(), ErrInvalidConfig)
		})
	}
}

func TestResolve(t *testing.T) {
	f, err := Parse([]byte(sample))
	require.NoError(t, err)

	r, err := f.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, Resolved{Config: tokenbucket.Config{Capacity: 50, RefillRate: 5}, Cost: 1}, r)

	r, err = f.Resolve("login")
	require.NoError(t, err)
	assert.Equal(t, tokenbucket.Config{Capacity: 5, RefillRate: 0.1, TTL: 10 * time.Minute}, r.Config)
	assert.Equal(t, 1.0, r.Cost)

	r, err = f.Resolve("search")
	require.NoError(t, err)
	assert.Equal(t, 2.5, r.Cost)

	_, err = f.Resolve("admin")
	require.ErrorIs(t, err, tokenbucket.ErrNotFound)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buckets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendGoRedis, f.Store.Backend)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, ErrInvalidConfig)
}
