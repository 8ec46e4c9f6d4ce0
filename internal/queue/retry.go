package queue

import (
	"math/rand"
	"time"
)

// RetryPolicy computes when a failed delivery should run again. The retry
// budget itself lives on the item; the policy only shapes the delay curve.
type RetryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxJitter       time.Duration
}

func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		InitialInterval: 30 * time.Second,
		Multiplier:      2.0,
		MaxJitter:       5 * time.Second,
	}
}

// NextRetry returns the delivery time for the given attempt (1-based).
// Jitter spreads retries out so a burst of failures doesn't come back as a
// thundering herd.
func (p *RetryPolicy) NextRetry(now time.Time, attempt int) time.Time {
	interval := p.InitialInterval
	for i := 1; i < attempt; i++ {
		interval = time.Duration(float64(interval) * p.Multiplier)
	}
	if p.MaxJitter > 0 {
		interval += time.Duration(rand.Int63n(int64(p.MaxJitter)))
	}
	return now.Add(interval)
}
