package tokenbucket

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// EventKind is the category of an Event.
type EventKind string

// Event categories emitted by buckets.
const (
	EventAllowed              EventKind = "allowed"
	EventLimitExceeded        EventKind = "limitExceeded"
	EventPenaltyApplied       EventKind = "penaltyApplied"
	EventRewardApplied        EventKind = "rewardApplied"
	EventBlocked              EventKind = "blocked"
	EventUnblocked            EventKind = "unblocked"
	EventReset                EventKind = "reset"
	EventStoreError           EventKind = "storeError"
	EventInsuranceActivated   EventKind = "insuranceActivated"
	EventInsuranceDeactivated EventKind = "insuranceDeactivated"
)

// Reasons reported with limitExceeded events.
const (
	ReasonBlocked      = "blocked"
	ReasonInsufficient = "insufficient tokens"
	ReasonContention   = "store contention"
)

// Event describes something that happened to a bucket. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind EventKind
	Key  string
	Time time.Time

	// allowed
	Tokens float64
	Cost   float64

	// limitExceeded
	RetryAfter time.Duration
	// limitExceeded, insuranceActivated, insuranceDeactivated
	Reason string

	// penaltyApplied, rewardApplied, reset
	Points float64
	Before float64
	After  float64
	Capped bool
	// reset
	Capacity float64

	// blocked
	Duration     time.Duration
	BlockedUntil time.Time

	// storeError
	Operation string
	Err       error

	// Degraded is set when the event was produced by an insurance bucket.
	Degraded bool
}

// Observer receives bucket events. Observe is called synchronously on the operation's
// goroutine and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans an event out to several observers.
type Observers []Observer

// Observe forwards e to every observer.
func (os Observers) Observe(e Event) {
	for _, o := range os {
		o.Observe(e)
	}
}

// NopObserver drops every event.
type NopObserver struct{}

// Observe does nothing.
func (NopObserver) Observe(Event) {}

// ChanObserver queues events on a buffered channel for an external consumer. Events are
// dropped when the channel is full.
type ChanObserver struct {
	C       chan Event
	dropped atomic.Int64
}

// NewChanObserver creates a ChanObserver with a buffer of size events.
func NewChanObserver(size int) *ChanObserver {
	return &ChanObserver{C: make(chan Event, size)}
}

// Observe queues e without blocking.
func (o *ChanObserver) Observe(e Event) {
	select {
	case o.C <- e:
	default:
		o.dropped.Add(1)
	}
}

// Dropped is the number of events lost to a full channel.
func (o *ChanObserver) Dropped() int64 {
	return o.dropped.Load()
}

// LogObserver writes events to a structured logger. Store errors and insurance
// transitions are logged at warn level, everything else at debug.
type LogObserver struct {
	Logger *slog.Logger
}

// Observe logs e.
func (o LogObserver) Observe(e Event) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelDebug
	attrs := []slog.Attr{slog.String("key", e.Key), slog.Bool("degraded", e.Degraded)}
	switch e.Kind {
	case EventAllowed:
		attrs = append(attrs, slog.Float64("tokens", e.Tokens), slog.Float64("cost", e.Cost))
	case EventLimitExceeded:
		attrs = append(attrs, slog.Duration("retry_after", e.RetryAfter), slog.String("reason", e.Reason))
	case EventPenaltyApplied, EventRewardApplied:
		attrs = append(attrs, slog.Float64("points", e.Points), slog.Float64("before", e.Before), slog.Float64("after", e.After))
		if e.Kind == EventRewardApplied {
			attrs = append(attrs, slog.Bool("capped", e.Capped))
		}
	case EventBlocked:
		attrs = append(attrs, slog.Duration("duration", e.Duration), slog.Time("blocked_until", e.BlockedUntil))
	case EventReset:
		attrs = append(attrs, slog.Float64("before", e.Before), slog.Float64("after", e.After), slog.Float64("capacity", e.Capacity))
	case EventStoreError:
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("operation", e.Operation), slog.Any("error", e.Err))
	case EventInsuranceActivated, EventInsuranceDeactivated:
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	logger.LogAttrs(context.Background(), level, string(e.Kind), attrs...)
}

// OutcomeEvent builds the event describing out, the result of op on the bucket key.
// It returns false for ops that emit nothing (status, cap).
func OutcomeEvent(key string, cfg Config, op Op, out Outcome, now time.Time) (Event, bool) {
	e := Event{Key: key, Time: now}
	switch op.Kind {
	case OpAllow:
		if out.Allowed {
			e.Kind = EventAllowed
			e.Tokens = out.After.Tokens
			e.Cost = op.Amount
		} else {
			e.Kind = EventLimitExceeded
			e.RetryAfter = out.RetryAfter
			e.Reason = ReasonInsufficient
			if out.WasBlocked {
				e.Reason = ReasonBlocked
			}
		}
	case OpPenalty:
		e.Kind = EventPenaltyApplied
		e.Points = op.Amount
		e.Before, e.After = out.Before.Tokens, out.After.Tokens
	case OpReward:
		e.Kind = EventRewardApplied
		e.Points = op.Amount
		e.Before, e.After = out.Before.Tokens, out.After.Tokens
		e.Capped = out.Capped
	case OpBlock:
		e.Kind = EventBlocked
		e.Duration = op.Duration
		e.BlockedUntil = out.After.BlockedUntil
	case OpUnblock:
		e.Kind = EventUnblocked
	case OpReset:
		e.Kind = EventReset
		e.Before, e.After = out.Before.Tokens, out.After.Tokens
		e.Capacity = cfg.Capacity
	default:
		return Event{}, false
	}
	return e, true
}
