// Package backoff provides pluggable retry delay strategies. Strategies are
// stateless and safe for concurrent use. The base delay comes from the
// owning queue's retry_delay_ms.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed: attempt 1
// is the first retry after the initial failure).
type Strategy interface {
	Delay(attempt int, base time.Duration) time.Duration
}

// Fixed always waits the base delay, regardless of attempt number.
type Fixed struct{}

func (Fixed) Delay(_ int, base time.Duration) time.Duration { return base }

// Linear waits base * attempt, capped at Max when Max is set.
type Linear struct {
	Max time.Duration
}

func (l Linear) Delay(attempt int, base time.Duration) time.Duration {
	d := base * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// ExponentialWithJitter waits a random duration in
// [0, min(base * 2^(attempt-1), Max)]. Full jitter avoids a thundering herd
// when many retries come due together.
type ExponentialWithJitter struct {
	Max time.Duration
}

func (e ExponentialWithJitter) Delay(attempt int, base time.Duration) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	return time.Duration(rand.Float64() * d)
}

// Default is the engine's default policy: the queue's fixed delay.
func Default() Strategy { return Fixed{} }
