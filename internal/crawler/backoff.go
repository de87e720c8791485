package crawler

import "time"

// BackoffSeconds returns min(base*2^attempt, cap) in seconds. A non-positive
// base counts as 1 and the cap is never below 1.
func BackoffSeconds(attempt, base, limit int) int {
	if base <= 0 {
		base = 1
	}
	if limit < 1 {
		limit = 1
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		if delay >= limit {
			break
		}
		delay *= 2
	}
	if delay > limit {
		return limit
	}
	return delay
}

// Backoff is BackoffSeconds as a time.Duration.
func Backoff(attempt, base, limit int) time.Duration {
	return time.Duration(BackoffSeconds(attempt, base, limit)) * time.Second
}
