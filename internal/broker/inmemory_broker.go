package broker

import (
	"context"
	"sync"
	"time"
)

// InMemoryBroker is a Broker kept entirely in process memory. It honors
// leases and NotBefore exactly like the durable backends, so tests exercise
// the same redelivery paths. It is safe for concurrent use.
type InMemoryBroker struct {
	mu       sync.Mutex
	channels map[string][]*memDelivery
	notify   chan struct{}
}

type memDelivery struct {
	id         string
	payload    []byte
	attempts   int
	enqueuedAt time.Time
	notBefore  time.Time
	owner      string
	leaseUntil time.Time
}

// NewInMemoryBroker creates an empty broker.
func NewInMemoryBroker() *InMemoryBroker {
	return &InMemoryBroker{
		channels: make(map[string][]*memDelivery),
		notify:   make(chan struct{}),
	}
}

// Ensure InMemoryBroker implements Broker.
var _ Broker = (*InMemoryBroker)(nil)

// wake releases every goroutine blocked in Receive. Callers hold b.mu.
func (b *InMemoryBroker) wake() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *InMemoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.channels[channel] = append(b.channels[channel], &memDelivery{
		id:         newDeliveryID(),
		payload:    append([]byte(nil), payload...),
		enqueuedAt: now,
		notBefore:  now,
	})
	b.wake()
	return nil
}

func (b *InMemoryBroker) Receive(ctx context.Context, channel, owner string, leaseTTL time.Duration) (*Delivery, error) {
	if err := validLease(leaseTTL); err != nil {
		return nil, err
	}

	tmr := newPollTimer()
	defer tmr.Stop()

	for {
		d, wait, notify := b.tryLease(channel, owner, leaseTTL)
		if d != nil {
			return d, nil
		}

		// Sleep until something is published or released, or until the
		// earliest pending NotBefore / lease expiry.
		if wait <= 0 {
			wait = time.Second
		}
		tmr.Reset(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return nil, ctx.Err()
		case <-notify:
			tmr.Stop()
		case <-tmr.C:
		}
	}
}

func (b *InMemoryBroker) tryLease(channel, owner string, leaseTTL time.Duration) (*Delivery, time.Duration, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var next time.Time

	for _, d := range b.channels[channel] {
		visibleAt := d.notBefore
		if d.owner != "" && d.leaseUntil.After(visibleAt) {
			visibleAt = d.leaseUntil
		}
		if !visibleAt.After(now) {
			d.owner = owner
			d.leaseUntil = now.Add(leaseTTL)
			d.attempts++
			return &Delivery{
				ID:             d.id,
				Channel:        channel,
				Payload:        append([]byte(nil), d.payload...),
				Attempt:        d.attempts,
				Owner:          owner,
				EnqueuedAt:     d.enqueuedAt,
				LeaseExpiresAt: d.leaseUntil,
			}, 0, nil
		}
		if next.IsZero() || visibleAt.Before(next) {
			next = visibleAt
		}
	}

	var wait time.Duration
	if !next.IsZero() {
		wait = next.Sub(now)
	}
	return nil, wait, b.notify
}

// find returns the index of a delivery leased by owner, or -1.
func (b *InMemoryBroker) find(channel, id, owner string) int {
	for i, d := range b.channels[channel] {
		if d.id == id && d.owner == owner {
			return i
		}
	}
	return -1
}

func (b *InMemoryBroker) Ack(ctx context.Context, channel, id, owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.find(channel, id, owner)
	if i < 0 {
		return nil
	}
	list := b.channels[channel]
	b.channels[channel] = append(list[:i], list[i+1:]...)
	return nil
}

func (b *InMemoryBroker) Nack(ctx context.Context, channel, id, owner string, notBefore time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.find(channel, id, owner)
	if i < 0 {
		return nil
	}
	d := b.channels[channel][i]
	d.owner = ""
	d.leaseUntil = time.Time{}
	d.notBefore = notBefore
	b.wake()
	return nil
}

func (b *InMemoryBroker) RenewLease(ctx context.Context, channel, id, owner string, leaseTTL time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.find(channel, id, owner)
	if i < 0 {
		return ErrLeaseLost
	}
	b.channels[channel][i].leaseUntil = time.Now().Add(leaseTTL)
	return nil
}

func (b *InMemoryBroker) Len(ctx context.Context, channel string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels[channel]), nil
}
