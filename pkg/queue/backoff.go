package queue

import "time"

const (
	BackoffBase = 60 * time.Second
	BackoffMax  = time.Hour
)

// Backoff returns the retry delay for a 1-based attempt: 60s doubling per
// attempt, capped at one hour.
func Backoff(attempt int) time.Duration {
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	delay := BackoffBase
	for i := 0; i < exp; i++ {
		delay *= 2
		if delay >= BackoffMax {
			return BackoffMax
		}
	}
	return delay
}
