package tokenbucket

import (
	"math"
	"time"
)

// OpKind identifies a bucket operation.
type OpKind int

// Operation kinds understood by Evaluate and by every Store.
const (
	OpStatus OpKind = iota
	OpAllow
	OpPenalty
	OpReward
	OpBlock
	OpUnblock
	OpReset
	// OpCap lowers the balance to at most Amount.
	OpCap
)

var opNames = [...]string{
	OpStatus:  "status",
	OpAllow:   "allow",
	OpPenalty: "penalty",
	OpReward:  "reward",
	OpBlock:   "block",
	OpUnblock: "unblock",
	OpReset:   "reset",
	OpCap:     "cap",
}

func (k OpKind) String() string {
	if k < 0 || int(k) >= len(opNames) {
		return "unknown"
	}
	return opNames[k]
}

// Op is a single operation against a bucket.
type Op struct {
	Kind OpKind
	// Amount is the cost, points, reset target or cap, depending on Kind.
	Amount float64
	// Duration of a block.
	Duration time.Duration
}

// Outcome is what applying an Op to a bucket produced.
type Outcome struct {
	// Before is the refilled state just before the op was applied.
	Before State
	// After is the state written back.
	After      State
	Allowed    bool
	RetryAfter time.Duration
	Capped     bool
	WasBlocked bool
	// Created is true when no record existed and a full bucket was assumed.
	Created bool
	// Clamped is true when the stored balance was outside [0, capacity] and had to be repaired.
	Clamped bool
}

// NewState is the state of a bucket created at now.
func NewState(cfg Config, now time.Time) State {
	return State{Tokens: cfg.Capacity, LastRefill: now}
}

// Evaluate applies op to a bucket record at time now. When exists is false the record is
// assumed to be a fresh full bucket. Evaluate has no side effects: memory buckets run it
// under their mutex and stores run it (or an equivalent script) inside their atomic unit.
func Evaluate(cfg Config, st State, exists bool, op Op, now time.Time) Outcome {
	var out Outcome
	if !exists {
		st = NewState(cfg, now)
		out.Created = true
	}

	if st.Tokens < 0 || math.IsNaN(st.Tokens) {
		st.Tokens = 0
		out.Clamped = true
	} else if st.Tokens > cfg.Capacity {
		st.Tokens = cfg.Capacity
		out.Clamped = true
	}

	// never move LastRefill backwards when clocks disagree
	if elapsed := now.Sub(st.LastRefill); elapsed > 0 {
		st.Tokens = math.Min(cfg.Capacity, st.Tokens+elapsed.Seconds()*cfg.RefillRate)
		st.LastRefill = now
	}
	if !st.BlockedUntil.IsZero() && !now.Before(st.BlockedUntil) {
		st.BlockedUntil = time.Time{}
	}

	out.Before = st
	out.WasBlocked = !st.BlockedUntil.IsZero()

	switch op.Kind {
	case OpAllow:
		switch {
		case out.WasBlocked:
			out.RetryAfter = st.BlockedUntil.Sub(now)
		case st.Tokens >= op.Amount:
			st.Tokens -= op.Amount
			out.Allowed = true
		default:
			out.RetryAfter = retryAfter(op.Amount-st.Tokens, cfg.RefillRate)
		}
	case OpPenalty:
		st.Tokens = math.Max(0, st.Tokens-op.Amount)
	case OpReward:
		st.Tokens += op.Amount
		if st.Tokens > cfg.Capacity {
			st.Tokens = cfg.Capacity
			out.Capped = true
		}
	case OpBlock:
		st.BlockedUntil = now.Add(op.Duration)
	case OpUnblock:
		st.BlockedUntil = time.Time{}
	case OpReset:
		st.Tokens = math.Min(cfg.Capacity, op.Amount)
		st.LastRefill = now
	case OpCap:
		if st.Tokens > op.Amount {
			st.Tokens = math.Max(0, op.Amount)
		}
	}

	out.After = st
	return out
}

const maxDuration = time.Duration(math.MaxInt64)

// nanos converts ns to a Duration, saturating at the longest one.
func nanos(ns float64) time.Duration {
	if ns >= float64(maxDuration) {
		return maxDuration
	}
	return time.Duration(ns)
}

// retryAfter is the time needed to regain deficit tokens, rounded up to the microsecond.
func retryAfter(deficit, rate float64) time.Duration {
	return nanos(math.Ceil(deficit/rate*1e6) * 1e3)
}

// Expiry is how long a store should keep a record written at now: ttl, stretched so an
// active block is never forgotten early.
func Expiry(st State, now time.Time, ttl time.Duration) time.Duration {
	if st.Blocked(now) {
		if left := st.BlockedUntil.Sub(now); left > ttl {
			return left
		}
	}
	return ttl
}

// DefaultTTL is the store expiry used when a Config has none: twice the time an empty
// bucket needs to refill, and at least a minute.
func DefaultTTL(cfg Config) time.Duration {
	full := nanos(cfg.Capacity / cfg.RefillRate * float64(time.Second))
	if full > maxDuration/2 {
		return maxDuration
	}
	return max(2*full, time.Minute)
}

// StatusOf builds a Status from a state at now.
func StatusOf(cfg Config, st State, now time.Time) Status {
	s := Status{
		Tokens:     st.Tokens,
		Capacity:   cfg.Capacity,
		RefillRate: cfg.RefillRate,
		Blocked:    st.Blocked(now),
	}
	if s.Blocked {
		s.BlockedFor = st.BlockedUntil.Sub(now)
	}
	return s
}

// AllowResult converts the outcome of an OpAllow.
func (o Outcome) AllowResult() AllowResult {
	return AllowResult{
		Allowed:    o.Allowed,
		Remaining:  o.After.Tokens,
		RetryAfter: o.RetryAfter,
	}
}

// PenaltyResult converts the outcome of an OpPenalty.
func (o Outcome) PenaltyResult() PenaltyResult {
	return PenaltyResult{Applied: true, Before: o.Before.Tokens, After: o.After.Tokens}
}

// RewardResult converts the outcome of an OpReward.
func (o Outcome) RewardResult() RewardResult {
	return RewardResult{Applied: true, Before: o.Before.Tokens, After: o.After.Tokens, Capped: o.Capped}
}

// BlockResult converts the outcome of an OpBlock.
func (o Outcome) BlockResult() BlockResult {
	return BlockResult{BlockedUntil: o.After.BlockedUntil}
}

// UnblockResult converts the outcome of an OpUnblock.
func (o Outcome) UnblockResult() UnblockResult {
	return UnblockResult{WasBlocked: o.WasBlocked}
}

// ResetResult converts the outcome of an OpReset.
func (o Outcome) ResetResult(cfg Config) ResetResult {
	return ResetResult{Before: o.Before.Tokens, After: o.After.Tokens, Capacity: cfg.Capacity}
}
