package relayq

import (
	"math/rand"
	"time"
)

// RetryPolicy is the explicit backoff configuration applied between retry
// attempts of a task. It is registered per task, not a hidden global.
type RetryPolicy struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// Multiplier grows the delay per attempt. Values < 1 are treated as 1.
	Multiplier float64
	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration
	// Jitter is the fraction (0..1) of the delay randomized symmetrically
	// around the computed value to spread thundering retries.
	Jitter float64
}

// DefaultRetryPolicy mirrors the classic exponential schedule: 1s base,
// doubling per attempt, capped at 10 minutes, 10% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxDelay:   10 * time.Minute,
		Jitter:     0.1,
	}
}

// Backoff returns the delay before retry attempt n (1-based). The result is
// always positive so a retried envelope lands behind newly enqueued work.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(base)
	for i := 1; i < n; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		j := p.Jitter
		if j > 1 {
			j = 1
		}
		// uniform in [d*(1-j), d*(1+j)]
		d = d * (1 - j + 2*j*rand.Float64())
	}

	if d < float64(time.Millisecond) {
		d = float64(time.Millisecond)
	}
	return time.Duration(d)
}
