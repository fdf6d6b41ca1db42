// Package memory provides a single-process token bucket and an in-process Store.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Clever/tokenbucket"
)

var _ tokenbucket.Bucket = &Bucket{}

// Bucket is a token bucket whose state lives in this process. It is safe for concurrent
// use; operations on one bucket are serialized, separate buckets share nothing.
type Bucket struct {
	key      string
	cfg      tokenbucket.Config
	clock    tokenbucket.Clock
	observer tokenbucket.Observer
	logger   *slog.Logger
	degraded bool

	mu    sync.Mutex
	state tokenbucket.State
}

// Option configures a Bucket or a Factory.
type Option func(*options)

type options struct {
	clock    tokenbucket.Clock
	observer tokenbucket.Observer
	logger   *slog.Logger
	degraded bool
}

// WithClock sets the time source. Defaults to the system clock.
func WithClock(c tokenbucket.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithObserver sets the receiver of bucket events.
func WithObserver(obs tokenbucket.Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// AsInsurance marks every event the bucket emits as degraded. Distributed buckets use it
// for their fallback.
func AsInsurance() Option {
	return func(o *options) {
		o.degraded = true
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock:    tokenbucket.RealClock{},
		observer: tokenbucket.NopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates a full bucket.
func New(key string, cfg tokenbucket.Config, opts ...Option) (*Bucket, error) {
	if err := tokenbucket.CheckKey(key); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &Bucket{
		key:      key,
		cfg:      cfg,
		clock:    o.clock,
		observer: o.observer,
		logger:   o.logger,
		degraded: o.degraded,
		state:    tokenbucket.NewState(cfg, o.clock.Now()),
	}, nil
}

// Key returns the bucket's key.
func (b *Bucket) Key() string {
	return b.key
}

// Config returns the bucket's shape.
func (b *Bucket) Config() tokenbucket.Config {
	return b.cfg
}

// Do applies op to the bucket and emits the matching event. Arguments are not validated.
func (b *Bucket) Do(op tokenbucket.Op) tokenbucket.Outcome {
	out, _ := b.do(op)
	return out
}

func (b *Bucket) do(op tokenbucket.Op) (tokenbucket.Outcome, time.Time) {
	b.mu.Lock()
	now := b.clock.Now()
	out := tokenbucket.Evaluate(b.cfg, b.state, true, op, now)
	b.state = out.After
	b.mu.Unlock()

	if out.Clamped {
		b.logger.Warn("token balance outside bounds, clamped",
			"key", b.key, "capacity", b.cfg.Capacity, "op", op.Kind.String())
	}
	if e, ok := tokenbucket.OutcomeEvent(b.key, b.cfg, op, out, now); ok {
		e.Degraded = b.degraded
		b.observer.Observe(e)
	}
	return out, now
}

// Allow takes cost tokens if the bucket holds them and is not blocked.
func (b *Bucket) Allow(_ context.Context, cost float64) (tokenbucket.AllowResult, error) {
	if err := tokenbucket.CheckAmount("cost", cost); err != nil {
		return tokenbucket.AllowResult{}, err
	}
	res := b.Do(tokenbucket.Op{Kind: tokenbucket.OpAllow, Amount: cost}).AllowResult()
	res.Degraded = b.degraded
	return res, nil
}

// Penalty takes points tokens, going no lower than zero.
func (b *Bucket) Penalty(_ context.Context, points float64) (tokenbucket.PenaltyResult, error) {
	if err := tokenbucket.CheckAmount("points", points); err != nil {
		return tokenbucket.PenaltyResult{}, err
	}
	res := b.Do(tokenbucket.Op{Kind: tokenbucket.OpPenalty, Amount: points}).PenaltyResult()
	res.Degraded = b.degraded
	return res, nil
}

// Reward adds points tokens, up to capacity.
func (b *Bucket) Reward(_ context.Context, points float64) (tokenbucket.RewardResult, error) {
	if err := tokenbucket.CheckAmount("points", points); err != nil {
		return tokenbucket.RewardResult{}, err
	}
	res := b.Do(tokenbucket.Op{Kind: tokenbucket.OpReward, Amount: points}).RewardResult()
	res.Degraded = b.degraded
	return res, nil
}

// Block denies every Allow for d.
func (b *Bucket) Block(_ context.Context, d time.Duration) (tokenbucket.BlockResult, error) {
	if err := tokenbucket.CheckBlock(d); err != nil {
		return tokenbucket.BlockResult{}, err
	}
	res := b.Do(tokenbucket.Op{Kind: tokenbucket.OpBlock, Duration: d}).BlockResult()
	res.Degraded = b.degraded
	return res, nil
}

// Unblock lifts a block.
func (b *Bucket) Unblock(_ context.Context) (tokenbucket.UnblockResult, error) {
	res := b.Do(tokenbucket.Op{Kind: tokenbucket.OpUnblock}).UnblockResult()
	res.Degraded = b.degraded
	return res, nil
}

// Reset fills the bucket.
func (b *Bucket) Reset(ctx context.Context) (tokenbucket.ResetResult, error) {
	return b.ResetTo(ctx, b.cfg.Capacity)
}

// ResetTo sets the balance to tokens, at most capacity.
func (b *Bucket) ResetTo(_ context.Context, tokens float64) (tokenbucket.ResetResult, error) {
	if err := tokenbucket.CheckAmount("tokens", tokens); err != nil {
		return tokenbucket.ResetResult{}, err
	}
	res := b.Do(tokenbucket.Op{Kind: tokenbucket.OpReset, Amount: tokens}).ResetResult(b.cfg)
	res.Degraded = b.degraded
	return res, nil
}

// Status refills the bucket and reports it.
func (b *Bucket) Status(_ context.Context) (tokenbucket.Status, error) {
	out, now := b.do(tokenbucket.Op{Kind: tokenbucket.OpStatus})
	s := tokenbucket.StatusOf(b.cfg, out.After, now)
	s.Degraded = b.degraded
	return s, nil
}

// Peek reports the bucket as refilled now, without storing the refill.
func (b *Bucket) Peek(_ context.Context) (tokenbucket.Status, error) {
	b.mu.Lock()
	now := b.clock.Now()
	out := tokenbucket.Evaluate(b.cfg, b.state, true, tokenbucket.Op{Kind: tokenbucket.OpStatus}, now)
	b.mu.Unlock()

	s := tokenbucket.StatusOf(b.cfg, out.After, now)
	s.Degraded = b.degraded
	return s, nil
}

// Factory creates memory buckets for a registry.
type Factory struct {
	opts []Option
}

// NewFactory creates a Factory passing opts to every bucket it creates.
func NewFactory(opts ...Option) *Factory {
	return &Factory{opts: opts}
}

// New creates a bucket.
func (f *Factory) New(key string, cfg tokenbucket.Config) (tokenbucket.Bucket, error) {
	return New(key, cfg, f.opts...)
}
