package stream

import "time"

// backoffDelay computes the restart delay for the given attempt:
// min(base * 2^(attempt-1), cap).
func backoffDelay(attempt int64, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Past 32 doublings the delay has long saturated; skip the shift to avoid
	// overflow.
	if attempt-1 >= 32 {
		return cap
	}
	delay := base << uint(attempt-1)
	if delay <= 0 || delay > cap {
		return cap
	}
	return delay
}
