package poller

import (
	"math"
	"time"
)

// Backoff computes the fast-tier retry delay once a device crosses the
// consecutive-error threshold. Below the threshold polling continues at
// the normal cadence; above it the delay grows geometrically and is
// capped at Max.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Threshold  int
}

// Delay returns the wait before the next fast tick given the current
// consecutive-error count.
func (b Backoff) Delay(consecutiveErrors int, normal time.Duration) time.Duration {
	if consecutiveErrors < b.Threshold {
		return normal
	}
	exp := consecutiveErrors - b.Threshold
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(exp))
	if d <= 0 || d > float64(b.Max) {
		return b.Max
	}
	if time.Duration(d) < normal {
		return normal
	}
	return time.Duration(d)
}
