package queue

import (
	"math"
	"time"
)

// MaxRetryDelay caps every retry delay, computed or caller supplied.
const MaxRetryDelay = 30 * time.Minute

// RetryDelay is the default delay after a failure: 2^attempts seconds, capped
// at MaxRetryDelay. attempts is the counter as of the failed lease.
func RetryDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	exp := math.Pow(2, float64(attempts)) * float64(time.Second)
	if exp >= float64(MaxRetryDelay) {
		return MaxRetryDelay
	}
	return time.Duration(exp)
}

func capRetryDelay(d time.Duration) time.Duration {
	switch {
	case d < 0:
		return 0
	case d > MaxRetryDelay:
		return MaxRetryDelay
	}
	return d
}

func clampDuration(v, lo, hi, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return min(max(v, lo), hi)
}

func clampInt(v, lo, hi, def int) int {
	if v <= 0 {
		return def
	}
	return min(max(v, lo), hi)
}
