package tokenbucket

import (
	"context"
	"time"
)

// Store is the shared state behind distributed buckets. Implementations must make Apply a
// single atomic unit: two processes racing on the same key can never both spend the same
// tokens, and a cancelled call either fully applies or not at all.
type Store interface {
	// Apply reads the record under key (a full bucket if there is none), refills it to now,
	// applies op as Evaluate does and writes the result back with an expiry of
	// Expiry(after, now, ttl).
	Apply(ctx context.Context, key string, cfg Config, op Op, now time.Time, ttl time.Duration) (Outcome, error)

	// Load returns the raw record under key. It returns ErrNotFound when there is none.
	Load(ctx context.Context, key string) (State, error)

	// Delete removes the record under key. Deleting a missing record is not an error.
	Delete(ctx context.Context, key string) error

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}
