/*
Package distributed provides token buckets whose state lives in a shared tokenbucket.Store,
so every process using the same store and key sees one bucket.

Each operation is a single Store.Apply; there is no client-side locking. When the store
cannot be reached the bucket's FailureMode decides the outcome. By default the operation is
served by a local insurance bucket and its result is marked Degraded.
*/
package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Clever/tokenbucket"
	"github.com/Clever/tokenbucket/memory"
	"github.com/eapache/go-resiliency/breaker"
)

var _ tokenbucket.Bucket = &Engine{}

// Reasons reported with insurance transitions.
const (
	ReasonRecovered = "store recovered"
	ReasonHealthy   = "health check passed"
)

// Engine is a bucket coordinated through a Store.
type Engine struct {
	key   string
	cfg   tokenbucket.Config
	ttl   time.Duration
	store tokenbucket.Store
	o     options

	insurance *memory.Bucket
	active    atomic.Bool
}

// New creates a bucket backed by store. Nothing is written until the first operation.
func New(key string, cfg tokenbucket.Config, store tokenbucket.Store, opts ...Option) (*Engine, error) {
	return newEngine(key, cfg, store, buildOptions(opts))
}

func newEngine(key string, cfg tokenbucket.Config, store tokenbucket.Store, o options) (*Engine, error) {
	if err := tokenbucket.CheckKey(key); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		key:   key,
		cfg:   cfg,
		store: store,
		o:     o,
	}
	switch {
	case cfg.TTL > 0:
		e.ttl = cfg.TTL
	case o.ttl > 0:
		e.ttl = o.ttl
	default:
		e.ttl = tokenbucket.DefaultTTL(cfg)
	}

	insCfg := cfg
	if o.insurance != nil {
		insCfg = *o.insurance
	}
	// the insurance bucket only reports events while it is serving
	gated := tokenbucket.ObserverFunc(func(ev tokenbucket.Event) {
		if e.active.Load() {
			o.observer.Observe(ev)
		}
	})
	ins, err := memory.New(key, insCfg,
		memory.WithClock(o.clock),
		memory.WithObserver(gated),
		memory.WithLogger(o.logger),
		memory.AsInsurance(),
	)
	if err != nil {
		return nil, fmt.Errorf("insurance bucket: %w", err)
	}
	e.insurance = ins
	return e, nil
}

// Key returns the bucket's key.
func (e *Engine) Key() string {
	return e.key
}

// Config returns the bucket's shape.
func (e *Engine) Config() tokenbucket.Config {
	return e.cfg
}

// Degraded reports whether the insurance bucket is currently serving.
func (e *Engine) Degraded() bool {
	return e.active.Load()
}

// served is an operation outcome along with where it came from.
type served struct {
	out      tokenbucket.Outcome
	now      time.Time
	cfg      tokenbucket.Config
	degraded bool
	// open is set when the result was made up by FailOpen
	open bool
}

// errAbandoned is what the breaker sees for a call the caller gave up on.
var errAbandoned = errors.New("store call abandoned by caller")

// attempt is the result of one store call, sorted by who is to blame for a failure.
type attempt struct {
	out tokenbucket.Outcome
	// canceled is the caller's context error
	canceled error
	// contended is set when the store was reached but every write lost a race
	contended error
	// err is a store failure
	err error
}

// apply runs op against the store, through the breaker if there is one. Neither a call cut
// short by the caller nor a contended one counts as a store failure.
func (e *Engine) apply(ctx context.Context, op tokenbucket.Op, now time.Time) attempt {
	var a attempt
	call := func() error {
		out, err := e.store.Apply(ctx, e.key, e.cfg, op, now, e.ttl)
		switch {
		case err == nil:
			a.out = out
			return nil
		case ctx.Err() != nil:
			a.canceled = ctx.Err()
			// a closed breaker ignores successes; a half-open one must not count an
			// abandoned call towards closing
			if e.o.breaker != nil && e.o.breaker.GetState() != breaker.Closed {
				return errAbandoned
			}
			return nil
		case errors.Is(err, tokenbucket.ErrContention):
			a.contended = err
			return nil
		}
		return err
	}
	if e.o.breaker != nil {
		a.err = e.o.breaker.Run(call)
	} else {
		a.err = call()
	}
	if errors.Is(a.err, errAbandoned) {
		a.err = nil
	}
	return a
}

func (e *Engine) run(ctx context.Context, op tokenbucket.Op) (served, error) {
	if err := ctx.Err(); err != nil {
		return served{}, err
	}
	now := e.o.clock.Now()
	a := e.apply(ctx, op, now)
	if a.canceled != nil {
		return served{}, a.canceled
	}
	if a.contended != nil {
		return e.contended(op, now, a.contended)
	}
	out := a.out
	if err := a.err; err != nil {
		if err := e.fail(op.Kind.String(), err); err != nil {
			return served{}, err
		}
		if e.o.mode == FailOpen {
			out := tokenbucket.Outcome{Allowed: op.Kind == tokenbucket.OpAllow}
			return served{out: out, now: now, cfg: e.cfg, degraded: true, open: true}, nil
		}
		out := e.insurance.Do(op)
		return served{out: out, now: e.o.clock.Now(), cfg: e.insurance.Config(), degraded: true}, nil
	}

	e.deactivate(ctx, ReasonRecovered)
	if e.o.warm {
		e.insurance.Do(op)
	}
	if out.Clamped {
		e.o.logger.Warn("token balance outside bounds, clamped",
			"key", e.key, "capacity", e.cfg.Capacity, "op", op.Kind.String())
	}
	if ev, ok := tokenbucket.OutcomeEvent(e.key, e.cfg, op, out, now); ok {
		e.o.observer.Observe(ev)
	}
	return served{out: out, now: now, cfg: e.cfg}, nil
}

// contended answers an operation the store could not write because other writers kept
// winning. The store is up, so insurance is not involved: Allow is denied and every other
// operation returns the error.
func (e *Engine) contended(op tokenbucket.Op, now time.Time, err error) (served, error) {
	e.o.sometimes.Do(func() {
		e.o.logger.Warn("token bucket store contention", "key", e.key, "operation", op.Kind.String(), "error", err)
	})
	if op.Kind != tokenbucket.OpAllow {
		return served{}, fmt.Errorf("%s %s: %w", op.Kind, e.key, err)
	}
	e.o.observer.Observe(tokenbucket.Event{
		Kind:   tokenbucket.EventLimitExceeded,
		Key:    e.key,
		Time:   now,
		Cost:   op.Amount,
		Reason: tokenbucket.ReasonContention,
	})
	return served{now: now, cfg: e.cfg}, nil
}

// fail reports a store error and applies the failure mode. It returns the error to hand to
// the caller, or nil when the operation is to be served by insurance or failed open.
func (e *Engine) fail(operation string, err error) error {
	e.o.observer.Observe(tokenbucket.Event{
		Kind:      tokenbucket.EventStoreError,
		Key:       e.key,
		Time:      e.o.clock.Now(),
		Operation: operation,
		Err:       err,
	})
	e.o.sometimes.Do(func() {
		e.o.logger.Warn("token bucket store error",
			"key", e.key, "operation", operation, "mode", e.o.mode.String(), "error", err)
	})

	switch e.o.mode {
	case FailClosed:
		return fmt.Errorf("%w: %s %s: %w", tokenbucket.ErrStoreUnavailable, operation, e.key, err)
	case FailInsurance:
		e.activate(err.Error())
	}
	return nil
}

func (e *Engine) activate(reason string) {
	if !e.active.CompareAndSwap(false, true) {
		return
	}
	e.o.logger.Info("insurance bucket activated", "key", e.key, "reason", reason)
	e.o.observer.Observe(tokenbucket.Event{
		Kind:   tokenbucket.EventInsuranceActivated,
		Key:    e.key,
		Time:   e.o.clock.Now(),
		Reason: reason,
	})
}

func (e *Engine) deactivate(ctx context.Context, reason string) {
	if !e.active.CompareAndSwap(true, false) {
		return
	}
	e.o.logger.Info("insurance bucket deactivated", "key", e.key, "reason", reason,
		"reconcile", e.o.reconcile.String())
	e.o.observer.Observe(tokenbucket.Event{
		Kind:   tokenbucket.EventInsuranceDeactivated,
		Key:    e.key,
		Time:   e.o.clock.Now(),
		Reason: reason,
	})
	e.reconcile(ctx)
}

func (e *Engine) reconcile(ctx context.Context) {
	switch e.o.reconcile {
	case ReconcileDiscard:
		e.insurance.Do(tokenbucket.Op{Kind: tokenbucket.OpReset, Amount: e.insurance.Config().Capacity})
	case ReconcileMerge:
		st, _ := e.insurance.Peek(ctx)
		op := tokenbucket.Op{Kind: tokenbucket.OpCap, Amount: st.Tokens}
		if _, err := e.store.Apply(ctx, e.key, e.cfg, op, e.o.clock.Now(), e.ttl); err != nil {
			e.o.logger.Warn("could not merge insurance balance into store", "key", e.key, "error", err)
		}
	}
}

// IsHealthy pings the store. A failed ping activates the insurance bucket when the failure
// mode is FailInsurance; a successful one deactivates it.
func (e *Engine) IsHealthy(ctx context.Context) bool {
	err := e.store.Ping(ctx)
	if err == nil {
		e.deactivate(ctx, ReasonHealthy)
		return true
	}
	if ctx.Err() == nil && e.o.mode == FailInsurance {
		e.activate(err.Error())
	}
	return false
}

// Destroy removes the bucket's record from the store.
func (e *Engine) Destroy(ctx context.Context) error {
	return e.store.Delete(ctx, e.key)
}

// Allow takes cost tokens from the stored record.
func (e *Engine) Allow(ctx context.Context, cost float64) (tokenbucket.AllowResult, error) {
	if err := tokenbucket.CheckAmount("cost", cost); err != nil {
		return tokenbucket.AllowResult{}, err
	}
	s, err := e.run(ctx, tokenbucket.Op{Kind: tokenbucket.OpAllow, Amount: cost})
	if err != nil {
		return tokenbucket.AllowResult{}, err
	}
	res := s.out.AllowResult()
	res.Degraded = s.degraded
	return res, nil
}

// Penalty takes points tokens from the stored record.
func (e *Engine) Penalty(ctx context.Context, points float64) (tokenbucket.PenaltyResult, error) {
	if err := tokenbucket.CheckAmount("points", points); err != nil {
		return tokenbucket.PenaltyResult{}, err
	}
	s, err := e.run(ctx, tokenbucket.Op{Kind: tokenbucket.OpPenalty, Amount: points})
	if err != nil {
		return tokenbucket.PenaltyResult{}, err
	}
	res := s.out.PenaltyResult()
	res.Applied = !s.open
	res.Degraded = s.degraded
	return res, nil
}

// Reward adds points tokens to the stored record.
func (e *Engine) Reward(ctx context.Context, points float64) (tokenbucket.RewardResult, error) {
	if err := tokenbucket.CheckAmount("points", points); err != nil {
		return tokenbucket.RewardResult{}, err
	}
	s, err := e.run(ctx, tokenbucket.Op{Kind: tokenbucket.OpReward, Amount: points})
	if err != nil {
		return tokenbucket.RewardResult{}, err
	}
	res := s.out.RewardResult()
	res.Applied = !s.open
	res.Degraded = s.degraded
	return res, nil
}

// Block denies every Allow on the stored record for d.
func (e *Engine) Block(ctx context.Context, d time.Duration) (tokenbucket.BlockResult, error) {
	if err := tokenbucket.CheckBlock(d); err != nil {
		return tokenbucket.BlockResult{}, err
	}
	s, err := e.run(ctx, tokenbucket.Op{Kind: tokenbucket.OpBlock, Duration: d})
	if err != nil {
		return tokenbucket.BlockResult{}, err
	}
	res := s.out.BlockResult()
	res.Degraded = s.degraded
	return res, nil
}

// Unblock lifts a block on the stored record.
func (e *Engine) Unblock(ctx context.Context) (tokenbucket.UnblockResult, error) {
	s, err := e.run(ctx, tokenbucket.Op{Kind: tokenbucket.OpUnblock})
	if err != nil {
		return tokenbucket.UnblockResult{}, err
	}
	res := s.out.UnblockResult()
	res.Degraded = s.degraded
	return res, nil
}

// Reset fills the stored record.
func (e *Engine) Reset(ctx context.Context) (tokenbucket.ResetResult, error) {
	return e.ResetTo(ctx, e.cfg.Capacity)
}

// ResetTo sets the stored balance to tokens, at most capacity.
func (e *Engine) ResetTo(ctx context.Context, tokens float64) (tokenbucket.ResetResult, error) {
	if err := tokenbucket.CheckAmount("tokens", tokens); err != nil {
		return tokenbucket.ResetResult{}, err
	}
	s, err := e.run(ctx, tokenbucket.Op{Kind: tokenbucket.OpReset, Amount: tokens})
	if err != nil {
		return tokenbucket.ResetResult{}, err
	}
	res := s.out.ResetResult(s.cfg)
	res.Degraded = s.degraded
	return res, nil
}

// Status refills the stored record and reports it.
func (e *Engine) Status(ctx context.Context) (tokenbucket.Status, error) {
	s, err := e.run(ctx, tokenbucket.Op{Kind: tokenbucket.OpStatus})
	if err != nil {
		return tokenbucket.Status{}, err
	}
	st := tokenbucket.StatusOf(s.cfg, s.out.After, s.now)
	st.Degraded = s.degraded
	return st, nil
}

// Peek reads the stored record and reports it refilled to now, without writing. A missing
// record reads as a full bucket.
func (e *Engine) Peek(ctx context.Context) (tokenbucket.Status, error) {
	if err := ctx.Err(); err != nil {
		return tokenbucket.Status{}, err
	}
	now := e.o.clock.Now()
	st, err := e.store.Load(ctx, e.key)
	exists := err == nil
	if errors.Is(err, tokenbucket.ErrNotFound) {
		err = nil
	}
	if err != nil && ctx.Err() != nil {
		return tokenbucket.Status{}, ctx.Err()
	}
	if err != nil {
		if err := e.fail("peek", err); err != nil {
			return tokenbucket.Status{}, err
		}
		if e.o.mode == FailOpen {
			return tokenbucket.Status{Capacity: e.cfg.Capacity, RefillRate: e.cfg.RefillRate, Degraded: true}, nil
		}
		return e.insurance.Peek(ctx)
	}
	out := tokenbucket.Evaluate(e.cfg, st, exists, tokenbucket.Op{Kind: tokenbucket.OpStatus}, now)
	return tokenbucket.StatusOf(e.cfg, out.After, now), nil
}
