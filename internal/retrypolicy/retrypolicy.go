// Package retrypolicy computes retry delays for the sync engine's flush loop.
// The outbox's readiness check in internal/walstore does not use it; it
// computes its own capped exponential backoff in SQL.
//
// Adapted from pkg/retry/retry.go (teacher's Config/backoff shape), re-cut
// to match original_source/ax-remote/src/sync.rs's compute_backoff exactly:
// three named strategies rather than a single multiplier-based scheme.
package retrypolicy

import (
	"math/rand"
	"time"

	"github.com/objectfs/agentvfs/pkg/vfs"
)

// ComputeBackoff returns the delay before retry attempt number `attempt`
// (0-indexed), capped at maxDelay. Mirrors sync.rs's compute_backoff.
func ComputeBackoff(base time.Duration, attempt int, strategy vfs.BackoffStrategy, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	var delay time.Duration
	switch strategy {
	case vfs.BackoffFixed:
		delay = base
	case vfs.BackoffLinear:
		delay = base * time.Duration(attempt+1)
	case vfs.BackoffExponential:
		delay = base * time.Duration(pow2Saturating(attempt))
	default:
		delay = base * time.Duration(pow2Saturating(attempt))
	}

	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// ComputeBackoffJittered adds up to 20% random jitter to the computed delay,
// preventing every pending write in a mount from retrying in lockstep.
func ComputeBackoffJittered(base time.Duration, attempt int, strategy vfs.BackoffStrategy, maxDelay time.Duration) time.Duration {
	delay := ComputeBackoff(base, attempt, strategy, maxDelay)
	if delay <= 0 {
		return delay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 5))
	return delay + jitter
}

func pow2Saturating(attempt int) int64 {
	if attempt >= 62 {
		return 1 << 62
	}
	return int64(1) << uint(attempt)
}
