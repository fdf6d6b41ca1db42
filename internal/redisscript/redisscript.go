// Package redisscript holds the Lua script both Redis stores run, with the encoding of its
// arguments and the decoding of its replies and of the bucket hash.
package redisscript

import (
	_ "embed"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/Clever/tokenbucket"
)

// Source of the script. It applies one tokenbucket.Op to the hash under KEYS[1] exactly as
// tokenbucket.Evaluate does, then refreshes the key's expiry.
//
//go:embed bucket.lua
var Source string

// Hash fields of a bucket record.
const (
	FieldTokens       = "tokens"
	FieldLastRefill   = "last_refill"
	FieldBlockedUntil = "blocked_until"
)

const replyLen = 12

// Args encodes the script arguments (ARGV) for op.
func Args(cfg tokenbucket.Config, op tokenbucket.Op, now time.Time, ttl time.Duration) []interface{} {
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return []interface{}{
		formatFloat(cfg.Capacity),
		formatFloat(cfg.RefillRate),
		strconv.FormatInt(now.UnixMicro(), 10),
		op.Kind.String(),
		formatFloat(op.Amount),
		strconv.FormatInt(micros(op.Duration), 10),
		strconv.FormatInt(ms, 10),
	}
}

// micros rounds d up to whole microseconds, so a positive block never becomes zero.
func micros(d time.Duration) int64 {
	us := d.Microseconds()
	if time.Duration(us)*time.Microsecond < d {
		us++
	}
	return us
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Parse decodes a script reply. Clients hand back integers as int64 and bulk strings
// either as string or []byte, so both are accepted.
func Parse(reply interface{}) (tokenbucket.Outcome, error) {
	vals, ok := reply.([]interface{})
	if !ok {
		return tokenbucket.Outcome{}, fmt.Errorf("unexpected script reply %T", reply)
	}
	if len(vals) != replyLen {
		return tokenbucket.Outcome{}, fmt.Errorf("script reply has %d elements, want %d", len(vals), replyLen)
	}

	var flags [5]bool
	for i := range flags {
		n, err := toInt(vals[i])
		if err != nil {
			return tokenbucket.Outcome{}, fmt.Errorf("reply element %d: %w", i, err)
		}
		flags[i] = n != 0
	}
	var nums [7]float64
	for i := range nums {
		f, err := toFloat(vals[len(flags)+i])
		if err != nil {
			return tokenbucket.Outcome{}, fmt.Errorf("reply element %d: %w", len(flags)+i, err)
		}
		nums[i] = f
	}

	return tokenbucket.Outcome{
		Allowed:    flags[0],
		Capped:     flags[1],
		WasBlocked: flags[2],
		Created:    flags[3],
		Clamped:    flags[4],
		Before: tokenbucket.State{
			Tokens:       nums[0],
			LastRefill:   FromMicros(nums[1]),
			BlockedUntil: FromMicros(nums[2]),
		},
		After: tokenbucket.State{
			Tokens:       nums[3],
			LastRefill:   FromMicros(nums[4]),
			BlockedUntil: FromMicros(nums[5]),
		},
		RetryAfter: retryAfter(nums[6]),
	}, nil
}

// ParseState decodes a bucket hash as returned by HGETALL. An empty hash is
// tokenbucket.ErrNotFound.
func ParseState(fields map[string]string) (tokenbucket.State, error) {
	if len(fields) == 0 {
		return tokenbucket.State{}, tokenbucket.ErrNotFound
	}
	var st tokenbucket.State
	tokens, err := strconv.ParseFloat(fields[FieldTokens], 64)
	if err != nil {
		return st, fmt.Errorf("bad %s field: %w", FieldTokens, err)
	}
	st.Tokens = tokens
	for name, dst := range map[string]*time.Time{
		FieldLastRefill:   &st.LastRefill,
		FieldBlockedUntil: &st.BlockedUntil,
	} {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		us, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return st, fmt.Errorf("bad %s field: %w", name, err)
		}
		*dst = FromMicros(us)
	}
	return st, nil
}

// retryAfter converts a reply's retry time in microseconds, saturating at the longest
// Duration.
func retryAfter(us float64) time.Duration {
	if us >= float64(math.MaxInt64/int64(time.Microsecond)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(us) * time.Microsecond
}

// FromMicros converts microseconds since the Unix epoch to a time. Zero is the zero time.
func FromMicros(us float64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(us))
}

func toInt(v interface{}) (int64, error) {
	switch v := v.(type) {
	case int64:
		return v, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func toFloat(v interface{}) (float64, error) {
	switch v := v.(type) {
	case string:
		return strconv.ParseFloat(v, 64)
	case []byte:
		return strconv.ParseFloat(string(v), 64)
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}
