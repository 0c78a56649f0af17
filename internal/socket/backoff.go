package socket

import (
	"math"
	"math/rand"
	"time"

	"github.com/signalman-dev/signalman/internal/config"
)

// nextDelay computes the reconnect backoff for attempt (1-indexed):
// base = min(max_ms, min_ms * 2^(attempt-1)), then multiplicative jitter
// in [1-r, 1+r].
func nextDelay(cfg config.BackoffConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	minMS := float64(cfg.MinMS)
	maxMS := float64(cfg.MaxMS)
	base := minMS * math.Pow(2, float64(attempt-1))
	if base > maxMS {
		base = maxMS
	}
	r := cfg.JitterRatio
	jitter := 1.0
	if r > 0 {
		jitter = (1 - r) + rand.Float64()*(2*r)
	}
	return time.Duration(base * jitter * float64(time.Millisecond))
}

// exhausted reports whether attempt has used up max_attempts (0 means
// unbounded).
func exhausted(cfg config.BackoffConfig, attempt int) bool {
	return cfg.MaxAttempts > 0 && attempt > cfg.MaxAttempts
}
