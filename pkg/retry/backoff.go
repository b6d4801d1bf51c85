// Package retry computes deterministic exponential backoff with jitter for
// bus consumers and publishers. Jitter is a PRF of the message coordinates,
// so two replicas retrying the same message compute the same schedule.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffParams identify the operation being retried.
type BackoffParams struct {
	Topic        string
	Partition    int
	Offset       int64
	Group        string
	AttemptIndex int
}

// BackoffPolicy bounds a retry schedule.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy matches the consumer contract: 5 attempts, exponential
// backoff from 200ms capped at 30s, up to 250ms jitter.
func DefaultPolicy() BackoffPolicy {
	return BackoffPolicy{BaseMs: 200, MaxMs: 30_000, MaxJitterMs: 250, MaxAttempts: 5}
}

// Backoff returns the delay before a specific attempt using deterministic
// jitter. Attempt 0 is the initial try and has no delay.
func Backoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	if params.AttemptIndex <= 0 {
		return 0
	}

	factor := int64(1)
	if params.AttemptIndex > 30 {
		// Cap the exponent to avoid overflow; MaxMs clamps anyway.
		factor = 1 << 30
	} else {
		factor = 1 << params.AttemptIndex
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+jitter(params, policy)) * time.Millisecond
}

func jitter(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs == 0 {
		return 0
	}

	seed := fmt.Sprintf("%s:%d:%d:%s:%d",
		params.Topic,
		params.Partition,
		params.Offset,
		params.Group,
		params.AttemptIndex,
	)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])

	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is always positive
}
