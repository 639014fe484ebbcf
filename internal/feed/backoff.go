package feed

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: Base doubled per attempt, capped at Max,
// plus up to Jitter*delay of random extra wait.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// BaseDelay returns the pre-jitter delay for a 1-based attempt number.
// It is non-decreasing in attempt and never exceeds Max.
func (b Backoff) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		// Clamp before doubling so a Max near the int64 limit cannot overflow.
		if d > b.Max/2 {
			d = b.Max
			break
		}
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Delay adds jitter to BaseDelay. rnd returns values in [0, 1); nil uses
// math/rand.
func (b Backoff) Delay(attempt int, rnd func() float64) time.Duration {
	d := b.BaseDelay(attempt)
	if b.Jitter <= 0 {
		return d
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	extra := rnd() * b.Jitter * float64(d)
	if extra >= float64(math.MaxInt64-d) {
		return time.Duration(math.MaxInt64)
	}
	return d + time.Duration(extra)
}
