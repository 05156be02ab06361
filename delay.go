package herald

import (
	"math/rand"
	"time"
)

// DelayFunc returns the delay to wait after a given attempt.
type DelayFunc func(attempt int) time.Duration

// Fixed returns a DelayFunc with the same delay for all attempts.
func Fixed(delay time.Duration) DelayFunc {
	return func(int) time.Duration {
		return delay
	}
}

// Exponential returns a DelayFunc doubling the delay on each attempt,
// capped at maxDelay.
func Exponential(delay time.Duration, maxDelay time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		d := delay
		for i := 0; i < attempt && d < maxDelay; i++ {
			// One more doubling could overflow; the cap applies either way.
			if d > maxDelay/2 {
				return maxDelay
			}
			d *= 2
		}
		return min(d, maxDelay)
	}
}

// Jitter spreads the delays of next by a random factor in
// [1-fraction, 1+fraction], keeping concurrent processes from retrying in
// lockstep against the same database.
func Jitter(next DelayFunc, fraction float64) DelayFunc {
	fraction = min(max(fraction, 0), 1)
	return func(attempt int) time.Duration {
		d := next(attempt)
		if d <= 0 || fraction == 0 {
			return d
		}
		spread := (rand.Float64()*2 - 1) * fraction * float64(d)
		return time.Duration(float64(d) + spread)
	}
}
