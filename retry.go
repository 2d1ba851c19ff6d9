package debtflow

import (
	"time"

	"github.com/petrijr/debtflow/pkg/worker"
)

// RetryBuilder provides a fluent way to construct the redelivery settings
// of a WorkerConfig.
type RetryBuilder struct {
	maxAttempts int
	backoff     worker.Backoff
}

// Retry creates a RetryBuilder allowing maxAttempts deliveries per message
// before it is dead-lettered. The default backoff is worker.DefaultBackoff.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{maxAttempts: maxAttempts, backoff: worker.DefaultBackoff}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay after the first failed attempt.
//   - multiplier > 1 grows the delay each attempt (default 2.0 otherwise).
//   - max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	r.backoff = worker.ExponentialBackoff{Initial: initial, Max: max, Multiplier: multiplier}
	return r
}

// WithConstantBackoff waits delay before every redelivery.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	r.backoff = worker.ConstantBackoff(delay)
	return r
}

// WithJitter randomizes the configured backoff between zero and its value.
func (r RetryBuilder) WithJitter() RetryBuilder {
	if _, ok := r.backoff.(worker.JitteredBackoff); ok {
		return r
	}
	r.backoff = worker.JitteredBackoff{Base: r.backoff}
	return r
}

// Immediate redelivers without waiting.
// Redeliveries still respect MaxAttempts.
func (r RetryBuilder) Immediate() RetryBuilder {
	r.backoff = worker.ConstantBackoff(0)
	return r
}

// MaxAttempts returns the configured attempt budget.
func (r RetryBuilder) MaxAttempts() int { return r.maxAttempts }

// Backoff returns the configured backoff.
func (r RetryBuilder) Backoff() worker.Backoff { return r.backoff }

// Apply writes the retry settings into cfg.
func (r RetryBuilder) Apply(cfg *WorkerConfig) {
	cfg.MaxAttempts = r.maxAttempts
	cfg.Backoff = r.backoff
}
