package api

import (
	"context"
	"math/rand/v2"
	"time"
)

// DefaultMaxDelay bounds the simulated processing latency of a stage.
const DefaultMaxDelay = 500 * time.Millisecond

// Delayer models the latency of the external system behind a stage
// (rendering, e-signature round trip, script execution).
//
// Delay blocks only the calling goroutine. It returns ctx.Err() if the wait
// was interrupted.
type Delayer interface {
	Delay(ctx context.Context) error
}

// NoDelay returns immediately. Intended for tests.
type NoDelay struct{}

func (NoDelay) Delay(ctx context.Context) error { return nil }

// FixedDelay waits for a constant duration.
type FixedDelay time.Duration

func (d FixedDelay) Delay(ctx context.Context) error {
	return sleep(ctx, time.Duration(d))
}

// RandomDelay waits for a uniformly random duration in [0, Max).
// A zero Max uses DefaultMaxDelay.
type RandomDelay struct {
	Max time.Duration
}

func (d RandomDelay) Delay(ctx context.Context) error {
	maxDelay := d.Max
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	return sleep(ctx, rand.N(maxDelay)) //nolint:gosec // latency jitter, not security sensitive
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
