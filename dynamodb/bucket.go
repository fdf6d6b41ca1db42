/*
Package dynamodb provides a token bucket store backed by AWS DynamoDB.

Each bucket is one item keyed by name. Apply reads the item with a consistent read,
evaluates the operation and writes the item back only if its version is unchanged,
retrying when another process won the race.
*/
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Clever/tokenbucket"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/eapache/go-resiliency/retrier"
)

var _ tokenbucket.Store = &Store{}

// Store is a dynamodb-based, thread-safe tokenbucket.Store.
type Store struct {
	db bucketDB
	// conflictRetries bounds how often Apply re-reads an item after losing a write race
	conflictRetries int
	conflictBackoff time.Duration
	clientOpts      []func(*dynamodb.Options)
}

// Apply evaluates op against the item under key with an optimistic, versioned write.
func (s *Store) Apply(ctx context.Context, key string, cfg tokenbucket.Config, op tokenbucket.Op, now time.Time, ttl time.Duration) (tokenbucket.Outcome, error) {
	var out tokenbucket.Outcome
	r := retrier.New(retrier.ExponentialBackoff(s.conflictRetries, s.conflictBackoff), conflictRetrier{})
	r.SetJitter(0.5)
	err := r.RunCtx(ctx, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		prev, err := s.db.bucket(ctx, key)
		if err != nil && err != errBucketNotFound {
			return err
		}

		var st tokenbucket.State
		exists := prev != nil && !prev.expired()
		if exists {
			st = prev.state()
		}
		out = tokenbucket.Evaluate(cfg, st, exists, op, now)

		var version uint
		if prev != nil {
			version = prev.nextVersion()
		}
		expires := time.Now().Add(tokenbucket.Expiry(out.After, now, max(ttl, s.db.ttl)))
		return s.db.putBucket(ctx, newDDBBucket(key, out.After, version, expires), prev)
	})
	if errors.Is(err, errConflict) {
		return tokenbucket.Outcome{}, gaveUp(key, s.conflictRetries, err)
	}
	if err != nil {
		return tokenbucket.Outcome{}, err
	}
	return out, nil
}

// gaveUp reports a write race lost conflicts+1 times in a row.
func gaveUp(key string, conflicts int, err error) error {
	return fmt.Errorf("%w: dynamodb gave up on %s after %d conflicts: %w", tokenbucket.ErrContention, key, conflicts, err)
}

// Load returns the live item under key.
func (s *Store) Load(ctx context.Context, key string) (tokenbucket.State, error) {
	b, err := s.db.bucket(ctx, key)
	if err == errBucketNotFound || (err == nil && b.expired()) {
		return tokenbucket.State{}, tokenbucket.ErrNotFound
	} else if err != nil {
		return tokenbucket.State{}, err
	}
	return b.state(), nil
}

// Delete removes the item under key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.db.deleteBucket(ctx, key)
}

// Ping describes the table.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.describe(ctx)
}

// Option configures a Store.
type Option func(*Store)

// WithConflictRetries sets how many times Apply retries a write that lost a race, and the
// initial backoff between attempts.
func WithConflictRetries(n int, backoff time.Duration) Option {
	return func(s *Store) {
		s.conflictRetries = n
		s.conflictBackoff = backoff
	}
}

// WithClientOptions customizes the DynamoDB client, for example to point it at a local
// endpoint.
func WithClientOptions(optFns ...func(*dynamodb.Options)) Option {
	return func(s *Store) {
		s.clientOpts = append(s.clientOpts, optFns...)
	}
}

// New initializes a new bucket store backed by dynamodb. We recommend the config is
// configured with minimal or no retries for a real time use case. Items are kept for at
// least itemTTL after their last write, longer when a bucket asks for it.
func New(tableName string, cfg aws.Config, itemTTL time.Duration, opts ...Option) (*Store, error) {
	s := &Store{
		db: bucketDB{
			tableName: tableName,
			ttl:       itemTTL,
		},
		conflictRetries: 10,
		conflictBackoff: 5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.db.ddb = dynamodb.NewFromConfig(cfg, s.clientOpts...)

	// Fail early if the table doesn't exist or we have any other issues with the DynamoDB API
	// but guarantee we retry dial timeouts to be tolerant to a networking blip
	r := retrier.New(retrier.ExponentialBackoff(5, 1*time.Second), dialTimeoutRetrier{})
	ctx := context.Background()
	if err := r.Run(func() error {
		return s.db.describe(ctx)
	}); err != nil {
		return nil, err
	}

	return s, nil
}

// dialTimeoutRetrier classifies errors from DynamoDB API in the form of
//
//	Post https://dynamodb.{region}.amazonaws.com: dial tcp x.x.x.x: i/o timeout
//
// as retryable errors. This classifier is only used in `New` as we don't want to override the
// consumer's configuration during normal operation
type dialTimeoutRetrier struct{}

var _ retrier.Classifier = dialTimeoutRetrier{}

func (dialTimeoutRetrier) Classify(err error) retrier.Action {
	if err == nil {
		return retrier.Succeed
	} else if strings.Contains(err.Error(), "dial tcp") && strings.Contains(err.Error(), "i/o timeout") {
		return retrier.Retry
	}
	return retrier.Fail
}

// conflictRetrier retries lost write races and nothing else.
type conflictRetrier struct{}

var _ retrier.Classifier = conflictRetrier{}

func (conflictRetrier) Classify(err error) retrier.Action {
	if err == nil {
		return retrier.Succeed
	} else if errors.Is(err, errConflict) {
		return retrier.Retry
	}
	return retrier.Fail
}
