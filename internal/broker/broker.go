package broker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrLeaseLost is returned by RenewLease when the delivery is no longer
// leased by the caller (it expired and was handed to another consumer, or
// it was acknowledged).
var ErrLeaseLost = errors.New("delivery lease lost")

// Delivery is one message handed to a consumer.
//
// The consumer holds a lease on it until LeaseExpiresAt. A delivery that is
// neither acknowledged nor renewed before then becomes visible again on the
// same channel, which is what makes delivery at-least-once.
type Delivery struct {
	ID      string
	Channel string
	Payload []byte

	// Attempt counts how many times this delivery has been leased,
	// including the current one.
	Attempt int

	Owner          string
	EnqueuedAt     time.Time
	LeaseExpiresAt time.Time
}

// Broker is a set of named, durable channels with lease-based at-least-once
// delivery. All implementations are safe for concurrent use.
type Broker interface {
	// Publish appends payload to channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Receive leases the oldest visible delivery on channel for leaseTTL,
	// blocking until one is available or ctx is done.
	Receive(ctx context.Context, channel, owner string, leaseTTL time.Duration) (*Delivery, error)

	// Ack removes a delivery leased by owner.
	Ack(ctx context.Context, channel, id, owner string) error

	// Nack releases a delivery leased by owner so it becomes visible again
	// at notBefore.
	Nack(ctx context.Context, channel, id, owner string, notBefore time.Time) error

	// RenewLease extends the lease owner holds on a delivery.
	RenewLease(ctx context.Context, channel, id, owner string, leaseTTL time.Duration) error

	// Len returns the approximate number of deliveries on channel,
	// leased or not.
	Len(ctx context.Context, channel string) (int, error)
}

func newDeliveryID() string {
	return uuid.NewString()
}

// newPollTimer returns a stopped, drained timer for idle polling loops.
func newPollTimer() *time.Timer {
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	return tmr
}

// waitPoll blocks for d or until ctx is done.
func waitPoll(ctx context.Context, tmr *time.Timer, d time.Duration) error {
	tmr.Reset(d)
	select {
	case <-ctx.Done():
		tmr.Stop()
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

func validLease(leaseTTL time.Duration) error {
	if leaseTTL <= 0 {
		return errors.New("broker: leaseTTL must be > 0")
	}
	return nil
}
