package services

import (
	"math/rand"
	"time"
)

// BackoffDelay computes the deterministic part of the retry delay:
// min(base * 2^retryCount, max). Jitter is added separately so tests can
// check monotonicity without randomness.
func BackoffDelay(base, max time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	// Past 62 doublings any sane base has long overflowed int64
	if retryCount > 62 {
		return max
	}

	d := base << uint(retryCount)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// Jitter returns a uniformly random duration in [0, max)
func Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
