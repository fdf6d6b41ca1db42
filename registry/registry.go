// Package registry keeps one bucket per key, creating buckets on first use and evicting
// them once idle.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Clever/tokenbucket"
)

// Factory creates the bucket for a key. memory.Factory and distributed.Factory implement it.
type Factory interface {
	New(key string, cfg tokenbucket.Config) (tokenbucket.Bucket, error)
}

// Destroyer is implemented by buckets that keep state outside the process. The registry
// calls Destroy when such a bucket is deleted or evicted.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

type entry struct {
	bucket tokenbucket.Bucket
	// refs counts operations in flight. It is only raised under the registry lock, and
	// inflight mirrors it for Delete to wait on.
	refs     atomic.Int64
	inflight sync.WaitGroup
	used     atomic.Int64
	// gone is set under the write lock once the entry is being removed, and closed when
	// it is out of the map.
	gone chan struct{}
}

func (e *entry) touch(now time.Time) {
	e.used.Store(now.UnixNano())
}

func (e *entry) hold(now time.Time) {
	e.refs.Add(1)
	e.inflight.Add(1)
	e.touch(now)
}

func (e *entry) lastUsed() time.Time {
	return time.Unix(0, e.used.Load())
}

// Entry is one bucket in a List snapshot.
type Entry struct {
	Key    string
	Config tokenbucket.Config
	Status tokenbucket.Status
}

// Registry is a thread-safe map of buckets.
type Registry struct {
	factory    Factory
	defaultCfg tokenbucket.Config
	idleTTL    time.Duration
	keepStore  bool
	clock      tokenbucket.Clock
	logger     *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultConfig sets the config of buckets created implicitly by a keyed operation.
func WithDefaultConfig(cfg tokenbucket.Config) Option {
	return func(r *Registry) {
		r.defaultCfg = cfg
	}
}

// WithIdleTTL sets how long a bucket may go unused before Sweep evicts it. Zero, the
// default, disables eviction.
func WithIdleTTL(d time.Duration) Option {
	return func(r *Registry) {
		r.idleTTL = d
	}
}

// WithKeepStoreOnEvict leaves the store records of evicted buckets in place and lets them
// age out through the store's own expiry. Delete still removes them.
func WithKeepStoreOnEvict() Option {
	return func(r *Registry) {
		r.keepStore = true
	}
}

// WithClock sets the time source used for idle tracking.
func WithClock(c tokenbucket.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// New creates an empty Registry.
func New(factory Factory, opts ...Option) (*Registry, error) {
	r := &Registry{
		factory:    factory,
		defaultCfg: tokenbucket.Config{Capacity: 100, RefillRate: 10},
		clock:      tokenbucket.RealClock{},
		logger:     slog.Default(),
		entries:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.defaultCfg.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// acquire returns the live entry for key with a reference held, creating it with cfg when
// create is set. Callers must release it.
func (r *Registry) acquire(ctx context.Context, key string, cfg tokenbucket.Config, create bool) (*entry, error) {
	if err := tokenbucket.CheckKey(key); err != nil {
		return nil, err
	}
	for {
		// fast path, the bucket exists
		r.mu.RLock()
		e, ok := r.entries[key]
		if ok && e.gone == nil {
			e.hold(r.clock.Now())
			r.mu.RUnlock()
			return e, nil
		}
		r.mu.RUnlock()

		if ok {
			if err := wait(ctx, e.gone); err != nil {
				return nil, err
			}
			continue
		}
		if !create {
			return nil, tokenbucket.ErrNotFound
		}

		r.mu.Lock()
		// double-check: another goroutine might have created it
		e, ok = r.entries[key]
		if !ok {
			b, err := r.factory.New(key, cfg)
			if err != nil {
				r.mu.Unlock()
				return nil, err
			}
			e = &entry{bucket: b}
			r.entries[key] = e
			r.logger.Debug("bucket created", "key", key, "capacity", cfg.Capacity, "refill_rate", cfg.RefillRate)
		}
		if e.gone != nil {
			r.mu.Unlock()
			continue
		}
		e.hold(r.clock.Now())
		r.mu.Unlock()
		return e, nil
	}
}

func (r *Registry) release(e *entry) {
	e.touch(r.clock.Now())
	e.refs.Add(-1)
	e.inflight.Done()
}

func wait(ctx context.Context, gone chan struct{}) error {
	select {
	case <-gone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns the bucket for key, creating it with cfg if there is none. Concurrent calls
// for the same new key all get the same bucket. An existing bucket keeps its own config.
func (r *Registry) Get(key string, cfg tokenbucket.Config) (tokenbucket.Bucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e, err := r.acquire(context.Background(), key, cfg, true)
	if err != nil {
		return nil, err
	}
	r.release(e)
	return e.bucket, nil
}

// Use runs fn on the bucket for key, creating it with cfg if there is none. The bucket
// cannot be evicted while fn runs.
func (r *Registry) Use(ctx context.Context, key string, cfg tokenbucket.Config, fn func(tokenbucket.Bucket) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e, err := r.acquire(ctx, key, cfg, true)
	if err != nil {
		return err
	}
	defer r.release(e)
	return fn(e.bucket)
}

// Lookup returns the bucket for key without creating one.
func (r *Registry) Lookup(key string) (tokenbucket.Bucket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok || e.gone != nil {
		return nil, false
	}
	return e.bucket, true
}

// Len is the number of buckets held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// with runs fn on the bucket for key while holding a reference, so it cannot be evicted
// underneath fn.
func with[T any](ctx context.Context, r *Registry, key string, create bool, fn func(tokenbucket.Bucket) (T, error)) (T, error) {
	e, err := r.acquire(ctx, key, r.defaultCfg, create)
	if err != nil {
		var zero T
		return zero, err
	}
	defer r.release(e)
	return fn(e.bucket)
}

// Allow spends cost tokens from the bucket for key, creating it with the default config.
func (r *Registry) Allow(ctx context.Context, key string, cost float64) (tokenbucket.AllowResult, error) {
	return with(ctx, r, key, true, func(b tokenbucket.Bucket) (tokenbucket.AllowResult, error) {
		return b.Allow(ctx, cost)
	})
}

// Penalty removes points tokens from the bucket for key, creating it with the default config.
func (r *Registry) Penalty(ctx context.Context, key string, points float64) (tokenbucket.PenaltyResult, error) {
	return with(ctx, r, key, true, func(b tokenbucket.Bucket) (tokenbucket.PenaltyResult, error) {
		return b.Penalty(ctx, points)
	})
}

// Reward adds points tokens to the bucket for key, creating it with the default config.
func (r *Registry) Reward(ctx context.Context, key string, points float64) (tokenbucket.RewardResult, error) {
	return with(ctx, r, key, true, func(b tokenbucket.Bucket) (tokenbucket.RewardResult, error) {
		return b.Reward(ctx, points)
	})
}

// Block blocks the bucket for key for d, creating it with the default config.
func (r *Registry) Block(ctx context.Context, key string, d time.Duration) (tokenbucket.BlockResult, error) {
	return with(ctx, r, key, true, func(b tokenbucket.Bucket) (tokenbucket.BlockResult, error) {
		return b.Block(ctx, d)
	})
}

// Unblock lifts the block on the bucket for key, creating it with the default config.
func (r *Registry) Unblock(ctx context.Context, key string) (tokenbucket.UnblockResult, error) {
	return with(ctx, r, key, true, func(b tokenbucket.Bucket) (tokenbucket.UnblockResult, error) {
		return b.Unblock(ctx)
	})
}

// Status reports the bucket for key. It returns tokenbucket.ErrNotFound for unknown keys.
func (r *Registry) Status(ctx context.Context, key string) (tokenbucket.Status, error) {
	return with(ctx, r, key, false, func(b tokenbucket.Bucket) (tokenbucket.Status, error) {
		return b.Status(ctx)
	})
}

// Reset refills the bucket for key. It returns tokenbucket.ErrNotFound for unknown keys.
func (r *Registry) Reset(ctx context.Context, key string) (tokenbucket.ResetResult, error) {
	return with(ctx, r, key, false, func(b tokenbucket.Bucket) (tokenbucket.ResetResult, error) {
		return b.Reset(ctx)
	})
}

// ResetTo sets the balance of the bucket for key. It returns tokenbucket.ErrNotFound for
// unknown keys.
func (r *Registry) ResetTo(ctx context.Context, key string, tokens float64) (tokenbucket.ResetResult, error) {
	return with(ctx, r, key, false, func(b tokenbucket.Bucket) (tokenbucket.ResetResult, error) {
		return b.ResetTo(ctx, tokens)
	})
}

// Delete drops the bucket for key, along with its store record. Operations already running
// on the bucket finish first; new ones wait and then get a fresh bucket. It returns
// tokenbucket.ErrNotFound for unknown keys.
func (r *Registry) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.gone != nil {
		r.mu.Unlock()
		return tokenbucket.ErrNotFound
	}
	e.gone = make(chan struct{})
	r.mu.Unlock()

	// no reference is taken once gone is set
	e.inflight.Wait()
	err := r.destroy(ctx, e)
	r.remove(key, e)
	return err
}

func (r *Registry) destroy(ctx context.Context, e *entry) error {
	d, ok := e.bucket.(Destroyer)
	if !ok {
		return nil
	}
	return d.Destroy(ctx)
}

func (r *Registry) remove(key string, e *entry) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
	close(e.gone)
}

// List returns every bucket with its current status, sorted by key. No bucket is written.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	r.mu.RLock()
	buckets := make([]tokenbucket.Bucket, 0, len(r.entries))
	for _, e := range r.entries {
		if e.gone == nil {
			buckets = append(buckets, e.bucket)
		}
	}
	r.mu.RUnlock()

	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Key() < buckets[j].Key()
	})
	list := make([]Entry, 0, len(buckets))
	for _, b := range buckets {
		st, err := b.Peek(ctx)
		if err != nil {
			return nil, err
		}
		list = append(list, Entry{Key: b.Key(), Config: b.Config(), Status: st})
	}
	return list, nil
}

// Sweep evicts buckets idle for longer than the idle TTL and returns how many it removed.
// Buckets with operations in flight are never evicted.
func (r *Registry) Sweep(ctx context.Context) int {
	if r.idleTTL <= 0 {
		return 0
	}
	now := r.clock.Now()

	type victim struct {
		key string
		e   *entry
	}
	var victims []victim
	r.mu.Lock()
	for key, e := range r.entries {
		if e.gone != nil || e.refs.Load() > 0 || now.Sub(e.lastUsed()) < r.idleTTL {
			continue
		}
		e.gone = make(chan struct{})
		victims = append(victims, victim{key, e})
	}
	r.mu.Unlock()

	for _, v := range victims {
		if !r.keepStore {
			if err := r.destroy(ctx, v.e); err != nil {
				r.logger.Warn("could not remove evicted bucket from store", "key", v.key, "error", err)
			}
		}
		r.remove(v.key, v.e)
	}
	if len(victims) > 0 {
		r.logger.Info("evicted idle buckets", "count", len(victims), "idle_ttl", r.idleTTL)
	}
	return len(victims)
}

// StartEviction runs Sweep every interval in the background. Call the returned function to
// stop it; it returns once the running sweep, if any, is done.
func (r *Registry) StartEviction(interval time.Duration) func() {
	if r.idleTTL <= 0 || interval <= 0 {
		// Return no-op function if eviction is disabled
		return func() {}
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ticker.C:
				r.Sweep(context.Background())
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-stopped
		})
	}
}
