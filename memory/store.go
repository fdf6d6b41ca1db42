package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Clever/tokenbucket"
)

var _ tokenbucket.Store = &Store{}

type record struct {
	state   tokenbucket.State
	expires time.Time
}

// Store is a tokenbucket.Store kept in process memory. It lets distributed buckets run
// without a network store, which is mostly useful in tests and single-host deployments.
// Record expiry follows the store's own clock, not the times passed to Apply.
type Store struct {
	clock tokenbucket.Clock

	mu      sync.Mutex
	records map[string]record
}

// NewStore creates an empty Store. A nil clock means the system clock.
func NewStore(clock tokenbucket.Clock) *Store {
	if clock == nil {
		clock = tokenbucket.RealClock{}
	}
	return &Store{
		clock:   clock,
		records: make(map[string]record),
	}
}

// Apply evaluates op against the record for key and stores the result.
func (s *Store) Apply(ctx context.Context, key string, cfg tokenbucket.Config, op tokenbucket.Op, now time.Time, ttl time.Duration) (tokenbucket.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return tokenbucket.Outcome{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.lookup(key)
	out := tokenbucket.Evaluate(cfg, rec.state, ok, op, now)
	s.records[key] = record{
		state:   out.After,
		expires: s.clock.Now().Add(tokenbucket.Expiry(out.After, now, ttl)),
	}
	return out, nil
}

// Load returns the record for key, or tokenbucket.ErrNotFound.
func (s *Store) Load(ctx context.Context, key string) (tokenbucket.State, error) {
	if err := ctx.Err(); err != nil {
		return tokenbucket.State{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.lookup(key)
	if !ok {
		return tokenbucket.State{}, tokenbucket.ErrNotFound
	}
	return rec.state, nil
}

// Delete drops the record for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len is the number of live records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.records {
		if _, ok := s.lookup(key); ok {
			n++
		}
	}
	return n
}

// lookup returns the live record under key, dropping it if it expired.
// Must be called with s.mu held.
func (s *Store) lookup(key string) (record, bool) {
	rec, ok := s.records[key]
	if !ok {
		return record{}, false
	}
	if !s.clock.Now().Before(rec.expires) {
		delete(s.records, key)
		return record{}, false
	}
	return rec, true
}
