package delivery

import (
	"math"
	"math/rand"
	"time"
)

// ExponentialDelay returns base*2^attempt capped at max. A non-positive max
// disables the cap.
func ExponentialDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	return capDuration(delay, max)
}

// Backoff computes jittered exponential reconnection delays.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64

	// Rand returns a value in [0,1). Nil uses math/rand.
	Rand func() float64
}

// Base returns min(Initial*Multiplier^(attempt-1), Max) without jitter.
// Attempts are 1-based.
func (b Backoff) Base(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(b.Initial) * math.Pow(multiplier, float64(attempt-1))
	return capDuration(delay, b.Max)
}

// Delay returns Base(attempt) adjusted by a uniform ±Jitter fraction,
// floored at zero and never above Max.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base(attempt)
	jitter := b.Jitter
	if jitter <= 0 || base <= 0 {
		return base
	}
	if jitter > 1 {
		jitter = 1
	}
	random := b.Rand
	if random == nil {
		random = rand.Float64
	}
	spread := float64(base) * jitter
	delay := float64(base) + (random()*2-1)*spread
	if delay < 0 {
		delay = 0
	}
	return capDuration(delay, b.Max)
}

func capDuration(value float64, max time.Duration) time.Duration {
	if max > 0 && value >= float64(max) {
		return max
	}
	if value >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(value)
}
