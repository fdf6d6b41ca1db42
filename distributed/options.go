package distributed

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/Clever/tokenbucket"
	"github.com/eapache/go-resiliency/breaker"
	"golang.org/x/time/rate"
)

// FailureMode decides what a bucket does when its store cannot be reached.
type FailureMode int

const (
	// FailInsurance serves the operation from the bucket's local insurance bucket.
	FailInsurance FailureMode = iota
	// FailClosed returns an error wrapping tokenbucket.ErrStoreUnavailable.
	FailClosed
	// FailOpen grants every Allow and leaves the other operations without effect.
	FailOpen
)

var failureModes = map[string]FailureMode{
	"insurance": FailInsurance,
	"closed":    FailClosed,
	"open":      FailOpen,
}

func (m FailureMode) String() string {
	for name, v := range failureModes {
		if v == m {
			return name
		}
	}
	return "unknown"
}

// ParseFailureMode parses "insurance", "closed" or "open". The empty string is FailInsurance.
func ParseFailureMode(s string) (FailureMode, error) {
	if s == "" {
		return FailInsurance, nil
	}
	m, ok := failureModes[s]
	if !ok {
		return 0, fmt.Errorf("%w: unknown failure mode %q", tokenbucket.ErrInvalidArgument, s)
	}
	return m, nil
}

// ReconcilePolicy decides what happens to the insurance bucket once the store is back.
type ReconcilePolicy int

const (
	// ReconcileKeep leaves both the store and the insurance bucket as they are.
	ReconcileKeep ReconcilePolicy = iota
	// ReconcileDiscard refills the insurance bucket, dropping what it spent during the outage.
	ReconcileDiscard
	// ReconcileMerge lowers the store balance to the insurance balance, so tokens spent during
	// the outage stay spent.
	ReconcileMerge
)

var reconcilePolicies = map[string]ReconcilePolicy{
	"keep":    ReconcileKeep,
	"discard": ReconcileDiscard,
	"merge":   ReconcileMerge,
}

func (p ReconcilePolicy) String() string {
	for name, v := range reconcilePolicies {
		if v == p {
			return name
		}
	}
	return "unknown"
}

// ParseReconcilePolicy parses "keep", "discard" or "merge". The empty string is ReconcileKeep.
func ParseReconcilePolicy(s string) (ReconcilePolicy, error) {
	if s == "" {
		return ReconcileKeep, nil
	}
	p, ok := reconcilePolicies[s]
	if !ok {
		return 0, fmt.Errorf("%w: unknown reconcile policy %q", tokenbucket.ErrInvalidArgument, s)
	}
	return p, nil
}

// Option configures an Engine or a Factory.
type Option func(*options)

type options struct {
	clock     tokenbucket.Clock
	observer  tokenbucket.Observer
	logger    *slog.Logger
	mode      FailureMode
	insurance *tokenbucket.Config
	warm      bool
	reconcile ReconcilePolicy
	breaker   *breaker.Breaker
	ttl       time.Duration
	sometimes *rate.Sometimes
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

// WithFailureMode sets what happens when the store is unreachable. Defaults to FailInsurance.
func WithFailureMode(m FailureMode) Option {
	return func(o *options) {
		o.mode = m
	}
}

// WithInsurance sizes the insurance bucket. Defaults to the bucket's own config.
func WithInsurance(cfg tokenbucket.Config) Option {
	return func(o *options) {
		o.insurance = &cfg
	}
}

// WithWarmInsurance mirrors every operation the store serves into the insurance bucket, so
// it starts an outage close to the shared balance.
func WithWarmInsurance() Option {
	return func(o *options) {
		o.warm = true
	}
}

// WithReconcilePolicy sets what happens to the insurance bucket once the store recovers.
// Defaults to ReconcileKeep.
func WithReconcilePolicy(p ReconcilePolicy) Option {
	return func(o *options) {
		o.reconcile = p
	}
}

// WithBreaker stops calling the store after errorThreshold consecutive failures, and tries
// again timeout later. It closes again after successThreshold successes. A Factory shares
// the breaker between all its buckets.
func WithBreaker(errorThreshold, successThreshold int, timeout time.Duration) Option {
	return func(o *options) {
		o.breaker = breaker.New(errorThreshold, successThreshold, timeout)
	}
}

// WithTTL sets the store expiry of buckets whose config has none. Defaults to
// tokenbucket.DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		o.ttl = d
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
	if o.sometimes == nil {
		o.sometimes = &rate.Sometimes{First: 3, Interval: 10 * time.Second}
	}
	return o
}

// Factory creates distributed buckets for a registry. All its buckets share one store, one
// breaker and one store error log throttle.
type Factory struct {
	store tokenbucket.Store
	opts  options
}

// NewFactory creates a Factory backed by store.
func NewFactory(store tokenbucket.Store, opts ...Option) *Factory {
	return &Factory{store: store, opts: buildOptions(opts)}
}

// New creates a bucket.
func (f *Factory) New(key string, cfg tokenbucket.Config) (tokenbucket.Bucket, error) {
	return newEngine(key, cfg, f.store, f.opts)
}

// Store the factory's buckets share.
func (f *Factory) Store() tokenbucket.Store {
	return f.store
}
