package worker

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes how long a failed delivery waits before it becomes
// visible again. attempt is the delivery attempt that just failed (1 for the
// first). Implementations are stateless and safe for concurrent use.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// ConstantBackoff waits the same interval after every failure.
type ConstantBackoff time.Duration

func (c ConstantBackoff) Delay(int) time.Duration { return time.Duration(c) }

// ExponentialBackoff multiplies the delay after each failure:
// Initial * Multiplier^(attempt-1), capped at Max when Max > 0.
// A Multiplier <= 1 is treated as 2.
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (e ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := e.Multiplier
	if mult <= 1 {
		mult = 2
	}
	d := float64(e.Initial) * math.Pow(mult, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// JitteredBackoff draws a delay uniformly from [0, Base.Delay(attempt)].
// Spreading redeliveries avoids many consumers retrying in lockstep after a
// shared dependency recovers.
type JitteredBackoff struct {
	Base Backoff
}

func (j JitteredBackoff) Delay(attempt int) time.Duration {
	d := j.Base.Delay(attempt)
	if d <= 0 {
		return 0
	}
	return rand.N(d + 1)
}

// DefaultBackoff is used when Config.Backoff is nil.
var DefaultBackoff Backoff = ExponentialBackoff{
	Initial:    100 * time.Millisecond,
	Max:        30 * time.Second,
	Multiplier: 2,
}
