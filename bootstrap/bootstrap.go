// Package bootstrap turns a config.File into a running registry and the store behind it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Clever/tokenbucket"
	"github.com/Clever/tokenbucket/config"
	"github.com/Clever/tokenbucket/distributed"
	"github.com/Clever/tokenbucket/dynamodb"
	"github.com/Clever/tokenbucket/goredis"
	"github.com/Clever/tokenbucket/memory"
	"github.com/Clever/tokenbucket/redis"
	"github.com/Clever/tokenbucket/registry"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	redigo "github.com/garyburd/redigo/redis"
	redisclient "github.com/redis/go-redis/v9"
)

const defaultConflictBackoff = 5 * time.Millisecond

// Runtime is a registry built from a config file.
type Runtime struct {
	Registry *registry.Registry
	// Store is nil for the local backend.
	Store tokenbucket.Store
	File  *config.File

	stopEviction func()
	closers      []func() error
}

// Option configures Open.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	observer tokenbucket.Observer
	clock    tokenbucket.Clock
}

// WithLogger sets the logger handed to every component. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithObserver sets the receiver of bucket events.
func WithObserver(obs tokenbucket.Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// WithClock sets the time source of buckets and the registry.
func WithClock(c tokenbucket.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// Open connects to the configured store and starts the registry's eviction loop. Close
// the Runtime to stop both.
func Open(ctx context.Context, f *config.File, opts ...Option) (*Runtime, error) {
	o := options{
		logger:   slog.Default(),
		observer: tokenbucket.NopObserver{},
		clock:    tokenbucket.RealClock{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	rt := &Runtime{File: f}
	store, err := rt.openStore(ctx, f.Store)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Store = store

	var factory registry.Factory
	if store == nil {
		factory = memory.NewFactory(
			memory.WithClock(o.clock),
			memory.WithObserver(o.observer),
			memory.WithLogger(o.logger),
		)
	} else {
		dopts, err := distributedOptions(f.Failure, o)
		if err != nil {
			rt.Close()
			return nil, err
		}
		factory = distributed.NewFactory(store, dopts...)
	}

	ropts := []registry.Option{
		registry.WithDefaultConfig(f.Defaults.Config()),
		registry.WithIdleTTL(f.Registry.IdleTTL),
		registry.WithClock(o.clock),
		registry.WithLogger(o.logger),
	}
	if f.Registry.KeepStoreOnEvict {
		ropts = append(ropts, registry.WithKeepStoreOnEvict())
	}
	reg, err := registry.New(factory, ropts...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Registry = reg
	rt.stopEviction = reg.StartEviction(f.Registry.SweepInterval)

	o.logger.Info("token buckets ready",
		"backend", f.Store.Backend,
		"failure_mode", f.Failure.Mode,
		"presets", len(f.Presets),
		"idle_ttl", f.Registry.IdleTTL,
	)
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context, s config.Store) (tokenbucket.Store, error) {
	switch s.Backend {
	case config.BackendLocal:
		return nil, nil
	case config.BackendMemory:
		return memory.NewStore(nil), nil
	case config.BackendRedis:
		var dial []redigo.DialOption
		if s.Redis.Password != "" {
			dial = append(dial, redigo.DialPassword(s.Redis.Password))
		}
		if s.Redis.DB != 0 {
			dial = append(dial, redigo.DialDatabase(s.Redis.DB))
		}
		store, err := redis.New(s.Redis.Network, s.Redis.Address, s.Redis.ReadTimeout, s.Redis.WriteTimeout,
			redis.WithPrefix(s.Redis.Prefix),
			redis.WithDialOptions(dial...),
		)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, store.Close)
		return store, nil
	case config.BackendGoRedis:
		client := redisclient.NewClient(&redisclient.Options{
			Network:      s.Redis.Network,
			Addr:         s.Redis.Address,
			Password:     s.Redis.Password,
			DB:           s.Redis.DB,
			ReadTimeout:  s.Redis.ReadTimeout,
			WriteTimeout: s.Redis.WriteTimeout,
		})
		rt.closers = append(rt.closers, client.Close)
		return goredis.New(client, goredis.WithPrefix(s.Redis.Prefix)), nil
	case config.BackendDynamoDB:
		cfg, err := AWSConfig(ctx, s.DynamoDB)
		if err != nil {
			return nil, err
		}
		opts := []dynamodb.Option{
			dynamodb.WithConflictRetries(s.DynamoDB.ConflictRetries, defaultConflictBackoff),
		}
		if s.DynamoDB.Endpoint != "" {
			endpoint := s.DynamoDB.Endpoint
			opts = append(opts, dynamodb.WithClientOptions(func(o *awsdynamodb.Options) {
				o.BaseEndpoint = aws.String(endpoint)
			}))
		}
		return dynamodb.New(s.DynamoDB.Table, cfg, s.DynamoDB.ItemTTL, opts...)
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalidConfig, s.Backend)
	}
}

// AWSConfig loads the default AWS config, overridden by the region and static credentials
// of c when set.
func AWSConfig(ctx context.Context, c config.DynamoDB) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	if c.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, ""),
		))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

func distributedOptions(fl config.Failure, o options) ([]distributed.Option, error) {
	mode, err := distributed.ParseFailureMode(fl.Mode)
	if err != nil {
		return nil, err
	}
	policy, err := distributed.ParseReconcilePolicy(fl.Reconcile)
	if err != nil {
		return nil, err
	}
	opts := []distributed.Option{
		distributed.WithClock(o.clock),
		distributed.WithObserver(o.observer),
		distributed.WithLogger(o.logger),
		distributed.WithFailureMode(mode),
		distributed.WithReconcilePolicy(policy),
	}
	if fl.Insurance != nil {
		opts = append(opts, distributed.WithInsurance(fl.Insurance.Config()))
	}
	if fl.WarmInsurance {
		opts = append(opts, distributed.WithWarmInsurance())
	}
	if b := fl.Breaker; b != nil {
		opts = append(opts, distributed.WithBreaker(b.Errors, b.Successes, b.Timeout))
	}
	return opts, nil
}

// Allow spends the cost of the preset called name from the bucket for key. A bucket is
// created with the preset's shape on first use.
func (rt *Runtime) Allow(ctx context.Context, name, key string) (tokenbucket.AllowResult, error) {
	p, err := rt.File.Resolve(name)
	if err != nil {
		return tokenbucket.AllowResult{}, err
	}
	var res tokenbucket.AllowResult
	err = rt.Registry.Use(ctx, key, p.Config, func(b tokenbucket.Bucket) error {
		res, err = b.Allow(ctx, p.Cost)
		return err
	})
	return res, err
}

// Close stops eviction and releases the store's connections.
func (rt *Runtime) Close() error {
	if rt.stopEviction != nil {
		rt.stopEviction()
	}
	var errs []error
	for _, c := range rt.closers {
		errs = append(errs, c())
	}
	rt.closers = nil
	return errors.Join(errs...)
}
