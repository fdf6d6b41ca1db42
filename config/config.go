// Package config reads the YAML file describing a deployment: bucket defaults, named
// presets, the shared store and what to do when that store is down.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/Clever/tokenbucket"
	"github.com/Clever/tokenbucket/distributed"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned for files that cannot be read, parsed or validated.
var ErrInvalidConfig = errors.New("invalid config")

// Store backends.
const (
	// BackendLocal keeps every bucket in process, with no shared store.
	BackendLocal = "local"
	// BackendMemory runs distributed buckets against an in-process store.
	BackendMemory = "memory"
	// BackendRedis uses the redigo client.
	BackendRedis = "redis"
	// BackendGoRedis uses the go-redis client.
	BackendGoRedis = "goredis"
	// BackendDynamoDB uses a DynamoDB table.
	BackendDynamoDB = "dynamodb"
)

var backends = []string{BackendLocal, BackendMemory, BackendRedis, BackendGoRedis, BackendDynamoDB}

// File is the deployment file.
type File struct {
	// Defaults configure buckets created by a keyed operation on an unknown key.
	Defaults Bucket `yaml:"defaults"`

	// Presets are named bucket shapes, e.g. "login" -> 5 tokens, one every 10s.
	Presets map[string]Preset `yaml:"presets,omitempty"`

	Store    Store    `yaml:"store"`
	Failure  Failure  `yaml:"failure"`
	Registry Registry `yaml:"registry"`
}

// Bucket is the shape of one bucket.
type Bucket struct {
	Capacity   float64 `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"`
	// TTL is the store expiry of the bucket's record. Zero picks one from the refill time.
	TTL time.Duration `yaml:"ttl,omitempty"`
}

// Config converts b.
func (b Bucket) Config() tokenbucket.Config {
	return tokenbucket.Config{Capacity: b.Capacity, RefillRate: b.RefillRate, TTL: b.TTL}
}

// Preset is a named bucket with the cost of one request against it.
type Preset struct {
	Bucket `yaml:",inline"`
	// Cost defaults to 1.
	Cost float64 `yaml:"cost,omitempty"`
}

// Store selects and configures the backend.
type Store struct {
	Backend  string   `yaml:"backend"`
	Redis    Redis    `yaml:"redis,omitempty"`
	DynamoDB DynamoDB `yaml:"dynamodb,omitempty"`
}

// Redis configures both Redis backends.
type Redis struct {
	Network      string        `yaml:"network,omitempty"`
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password,omitempty"`
	DB           int           `yaml:"db,omitempty"`
	Prefix       string        `yaml:"prefix,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
}

// DynamoDB configures the DynamoDB backend. Credentials left empty come from the default
// AWS chain.
type DynamoDB struct {
	Table           string        `yaml:"table"`
	Region          string        `yaml:"region,omitempty"`
	Endpoint        string        `yaml:"endpoint,omitempty"`
	AccessKeyID     string        `yaml:"access_key_id,omitempty"`
	SecretAccessKey string        `yaml:"secret_access_key,omitempty"`
	ItemTTL         time.Duration `yaml:"item_ttl,omitempty"`
	ConflictRetries int           `yaml:"conflict_retries,omitempty"`
}

// Failure configures store outage handling.
type Failure struct {
	// Mode is "insurance", "closed" or "open".
	Mode string `yaml:"mode,omitempty"`
	// Reconcile is "keep", "discard" or "merge".
	Reconcile string `yaml:"reconcile,omitempty"`
	// Insurance sizes the fallback buckets. Unset means the bucket's own shape.
	Insurance     *Bucket  `yaml:"insurance,omitempty"`
	WarmInsurance bool     `yaml:"warm_insurance,omitempty"`
	Breaker       *Breaker `yaml:"breaker,omitempty"`
}

// Breaker configures the store circuit breaker.
type Breaker struct {
	Errors    int           `yaml:"errors"`
	Successes int           `yaml:"successes"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Registry configures eviction.
type Registry struct {
	// IdleTTL evicts buckets unused for this long. Zero keeps them forever.
	IdleTTL          time.Duration `yaml:"idle_ttl,omitempty"`
	SweepInterval    time.Duration `yaml:"sweep_interval,omitempty"`
	KeepStoreOnEvict bool          `yaml:"keep_store_on_evict,omitempty"`
}

// New returns a File holding the defaults.
func New() *File {
	return &File{
		Defaults: Bucket{Capacity: 100, RefillRate: 10},
		Presets:  make(map[string]Preset),
		Store: Store{
			Backend: BackendLocal,
			Redis: Redis{
				Network:      "tcp",
				Address:      "localhost:6379",
				ReadTimeout:  time.Second,
				WriteTimeout: time.Second,
			},
			DynamoDB: DynamoDB{
				ItemTTL:         24 * time.Hour,
				ConflictRetries: 10,
			},
		},
		Failure: Failure{
			Mode:      distributed.FailInsurance.String(),
			Reconcile: distributed.ReconcileKeep.String(),
		},
		Registry: Registry{
			SweepInterval: time.Minute,
		},
	}
}

// Load reads and validates the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return Parse(data)
}

// Parse decodes and validates a file. Fields it does not set keep their defaults, and
// unknown fields are an error.
func Parse(data []byte) (*File, error) {
	f := New()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if f.Presets == nil {
		f.Presets = make(map[string]Preset)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks every section of f.
func (f *File) Validate() error {
	if err := f.Defaults.Config().Validate(); err != nil {
		return fmt.Errorf("%w: defaults: %v", ErrInvalidConfig, err)
	}
	for name, p := range f.Presets {
		if name == "" {
			return fmt.Errorf("%w: preset with empty name", ErrInvalidConfig)
		}
		if err := p.Config().Validate(); err != nil {
			return fmt.Errorf("%w: preset %s: %v", ErrInvalidConfig, name, err)
		}
		if err := tokenbucket.CheckAmount("cost", p.Cost); err != nil {
			return fmt.Errorf("%w: preset %s: %v", ErrInvalidConfig, name, err)
		}
	}
	if err := f.Store.validate(); err != nil {
		return err
	}
	if err := f.Failure.validate(); err != nil {
		return err
	}
	if f.Registry.IdleTTL < 0 || f.Registry.SweepInterval < 0 {
		return fmt.Errorf("%w: registry durations must not be negative", ErrInvalidConfig)
	}
	if f.Registry.IdleTTL > 0 && f.Registry.SweepInterval == 0 {
		return fmt.Errorf("%w: registry idle_ttl needs a sweep_interval", ErrInvalidConfig)
	}
	return nil
}

func (s Store) validate() error {
	switch s.Backend {
	case BackendLocal, BackendMemory:
		return nil
	case BackendRedis, BackendGoRedis:
		if s.Redis.Address == "" {
			return fmt.Errorf("%w: store %s needs an address", ErrInvalidConfig, s.Backend)
		}
		return nil
	case BackendDynamoDB:
		if s.DynamoDB.Table == "" {
			return fmt.Errorf("%w: store dynamodb needs a table", ErrInvalidConfig)
		}
		if (s.DynamoDB.AccessKeyID == "") != (s.DynamoDB.SecretAccessKey == "") {
			return fmt.Errorf("%w: store dynamodb needs both access_key_id and secret_access_key", ErrInvalidConfig)
		}
		if s.DynamoDB.ConflictRetries < 0 {
			return fmt.Errorf("%w: store dynamodb conflict_retries must not be negative", ErrInvalidConfig)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown store backend %q, want one of %v", ErrInvalidConfig, s.Backend, backends)
	}
}

func (fl Failure) validate() error {
	if _, err := distributed.ParseFailureMode(fl.Mode); err != nil {
		return fmt.Errorf("%w: failure: %v", ErrInvalidConfig, err)
	}
	if _, err := distributed.ParseReconcilePolicy(fl.Reconcile); err != nil {
		return fmt.Errorf("%w: failure: %v", ErrInvalidConfig, err)
	}
	if fl.Insurance != nil {
		if err := fl.Insurance.Config().Validate(); err != nil {
			return fmt.Errorf("%w: failure insurance: %v", ErrInvalidConfig, err)
		}
	}
	if b := fl.Breaker; b != nil && (b.Errors <= 0 || b.Successes <= 0 || b.Timeout <= 0) {
		return fmt.Errorf("%w: failure breaker needs positive errors, successes and timeout", ErrInvalidConfig)
	}
	return nil
}

// Resolved is a preset ready for use.
type Resolved struct {
	Config tokenbucket.Config
	Cost   float64
}

// Resolve returns the preset called name. The empty name is the defaults with a cost of 1.
// Unknown names return tokenbucket.ErrNotFound.
func (f *File) Resolve(name string) (Resolved, error) {
	if name == "" {
		return Resolved{Config: f.Defaults.Config(), Cost: 1}, nil
	}
	p, ok := f.Presets[name]
	if !ok {
		return Resolved{}, fmt.Errorf("%w: preset %q", tokenbucket.ErrNotFound, name)
	}
	cost := p.Cost
	if cost == 0 {
		cost = 1
	}
	return Resolved{Config: p.Config(), Cost: cost}, nil
}

// PresetNames lists the presets in order.
func (f *File) PresetNames() []string {
	names := make([]string, 0, len(f.Presets))
	for name := range f.Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
