package engine

import "time"

// Retry defaults.
const (
	DefaultMaxRetries       = 3
	DefaultRetryBackoff     = 2 * time.Second
	DefaultMaxBackoff       = time.Minute
	DefaultFallbackInterval = 30 * time.Second
)

// backoffFor returns the delay before attempt retry+1, where retry is the
// number of failed attempts so far (1-based): base, 2*base, 4*base, ...
// capped at max. A non-positive base disables the delay.
func backoffFor(retry int, base, max time.Duration) time.Duration {
	if base <= 0 || retry <= 0 {
		return 0
	}
	d := base
	for i := 1; i < retry; i++ {
		if max > 0 && d >= max {
			break
		}
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}
