package transport

import (
	"math/rand/v2"
	"time"
)

// backoff returns the delay before reconnect attempt n (0-based): base
// doubled per attempt plus up to half a base of jitter, capped at limit.
// r is a uniform sample in [0, 1).
func backoff(base, limit time.Duration, n int, r float64) time.Duration {
	jitter := time.Duration(r * float64(base) / 2)
	d := base
	for i := 0; i < n && d < limit; i++ {
		d *= 2
	}
	d += jitter
	if d > limit {
		return limit
	}
	return d
}

func jitteredBackoff(base, limit time.Duration, n int) time.Duration {
	return backoff(base, limit, n, rand.Float64())
}
