package sender

import "time"

// BackoffDelay implements the reference client's exponential retry
// schedule: initial, then doubled per attempt, i.e. 3s, 6s, 12s for a 3s
// initial delay and attempt in {0,1,2}.
func BackoffDelay(initial time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return initial << uint(attempt)
}
