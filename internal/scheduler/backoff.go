package scheduler

import (
	"math/rand"
	"time"
)

// backoffDelay returns the delay for retry attempt n (1-based): base
// doubled per attempt, capped at max, with ±jitter applied. jitter is a
// fraction of the delay (0.2 = ±20%).
func backoffDelay(n int, base, max time.Duration, jitter float64) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	if jitter > 0 {
		f := 1 + (rand.Float64()*2-1)*jitter
		d = time.Duration(float64(d) * f)
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}
