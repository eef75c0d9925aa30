package worker

import "time"

const maxBackoff = 60 * time.Second

// backoffDelay maps the delivery count to a redelivery delay:
// 1st failure -> 1s, 2nd -> 2s, 3rd -> 4s ... capped at 60s.
func backoffDelay(numDelivered uint64) time.Duration {
	attempt := numDelivered
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 7 {
		return maxBackoff
	}
	d := time.Duration(1<<(attempt-1)) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
