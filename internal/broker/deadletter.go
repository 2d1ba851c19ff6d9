package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/debtflow/pkg/api"
)

// DefaultDeadLetterChannel is where dead letters go unless configured
// otherwise.
const DefaultDeadLetterChannel = "dead-letter"

// DeadLetterQueue stores dead letters as JSON deliveries on a broker channel.
// It implements api.DeadLetterSink.
type DeadLetterQueue struct {
	broker  Broker
	channel string
}

var _ api.DeadLetterSink = (*DeadLetterQueue)(nil)

// NewDeadLetterQueue returns a queue on channel (DefaultDeadLetterChannel if
// empty).
func NewDeadLetterQueue(b Broker, channel string) *DeadLetterQueue {
	if channel == "" {
		channel = DefaultDeadLetterChannel
	}
	return &DeadLetterQueue{broker: b, channel: channel}
}

// Channel returns the broker channel dead letters are published to.
func (q *DeadLetterQueue) Channel() string { return q.channel }

func (q *DeadLetterQueue) DeadLetter(ctx context.Context, dl api.DeadLetter) error {
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	return q.broker.Publish(ctx, q.channel, data)
}

// Read returns up to limit dead letters (all of them when limit <= 0).
//
// Read leases every delivery it returns and, unless remove is set, releases
// them again before returning, so a plain Read leaves the queue unchanged.
func (q *DeadLetterQueue) Read(ctx context.Context, limit int, remove bool) ([]api.DeadLetter, error) {
	const (
		owner    = "dead-letter-reader"
		leaseTTL = 30 * time.Second
		idleWait = 200 * time.Millisecond
	)

	var (
		out    []api.DeadLetter
		leased []*Delivery
	)

	release := func() error {
		var errs []error
		for _, d := range leased {
			if remove {
				errs = append(errs, q.broker.Ack(context.WithoutCancel(ctx), q.channel, d.ID, owner))
			} else {
				errs = append(errs, q.broker.Nack(context.WithoutCancel(ctx), q.channel, d.ID, owner, time.Now()))
			}
		}
		return errors.Join(errs...)
	}

	for limit <= 0 || len(out) < limit {
		rctx, cancel := context.WithTimeout(ctx, idleWait)
		d, err := q.broker.Receive(rctx, q.channel, owner, leaseTTL)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			return out, errors.Join(err, release())
		}
		leased = append(leased, d)

		var dl api.DeadLetter
		if err := json.Unmarshal(d.Payload, &dl); err != nil {
			return out, errors.Join(fmt.Errorf("decode dead letter %s: %w", d.ID, err), release())
		}
		out = append(out, dl)
	}

	return out, release()
}
