package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runBrokerContract exercises the delivery semantics every Broker must share.
// newBroker must return an empty broker.
func runBrokerContract(t *testing.T, newBroker func(t *testing.T) Broker) {
	t.Run("FIFOAndAck", func(t *testing.T) {
		b := newBroker(t)
		ctx := context.Background()

		want := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
		// Published back to back, so several share an enqueue millisecond.
		for _, p := range want {
			require.NoError(t, b.Publish(ctx, "ch", []byte(p)))
		}

		n, err := b.Len(ctx, "ch")
		require.NoError(t, err)
		assert.Equal(t, len(want), n)

		var got []string
		for range want {
			d, err := b.Receive(ctx, "ch", "w1", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, 1, d.Attempt)
			assert.Equal(t, "ch", d.Channel)
			got = append(got, string(d.Payload))
			require.NoError(t, b.Ack(ctx, "ch", d.ID, "w1"))
		}
		assert.Equal(t, want, got)

		n, err = b.Len(ctx, "ch")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("ChannelsAreIsolated", func(t *testing.T) {
		b := newBroker(t)
		ctx := context.Background()

		require.NoError(t, b.Publish(ctx, "left", []byte("l")))

		rctx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
		defer cancel()
		_, err := b.Receive(rctx, "right", "w1", time.Minute)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		d, err := b.Receive(ctx, "left", "w1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "l", string(d.Payload))
	})

	t.Run("ReceiveBlocksUntilPublish", func(t *testing.T) {
		b := newBroker(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		got := make(chan *Delivery, 1)
		errCh := make(chan error, 1)
		go func() {
			d, err := b.Receive(ctx, "ch", "w1", time.Minute)
			if err != nil {
				errCh <- err
				return
			}
			got <- d
		}()

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, b.Publish(context.Background(), "ch", []byte("late")))

		select {
		case err := <-errCh:
			t.Fatalf("Receive returned error: %v", err)
		case d := <-got:
			assert.Equal(t, "late", string(d.Payload))
		case <-ctx.Done():
			t.Fatal("timeout waiting for Receive")
		}
	})

	t.Run("ReceiveHonorsContextCancellation", func(t *testing.T) {
		b := newBroker(t)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		_, err := b.Receive(ctx, "ch", "w1", time.Minute)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})

	t.Run("ExpiredLeaseRedelivers", func(t *testing.T) {
		b := newBroker(t)
		ctx := context.Background()
		require.NoError(t, b.Publish(ctx, "ch", []byte("x")))

		first, err := b.Receive(ctx, "ch", "w1", 50*time.Millisecond)
		require.NoError(t, err)

		time.Sleep(120 * time.Millisecond)

		second, err := b.Receive(ctx, "ch", "w2", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 2, second.Attempt)

		// The stale owner can neither renew nor acknowledge.
		assert.ErrorIs(t, b.RenewLease(ctx, "ch", first.ID, "w1", time.Minute), ErrLeaseLost)
		require.NoError(t, b.Ack(ctx, "ch", first.ID, "w1"))
		n, err := b.Len(ctx, "ch")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.NoError(t, b.Ack(ctx, "ch", second.ID, "w2"))
		n, err = b.Len(ctx, "ch")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("RenewLeaseKeepsDeliveryHidden", func(t *testing.T) {
		b := newBroker(t)
		ctx := context.Background()
		require.NoError(t, b.Publish(ctx, "ch", []byte("x")))

		d, err := b.Receive(ctx, "ch", "w1", 300*time.Millisecond)
		require.NoError(t, err)
		require.NoError(t, b.RenewLease(ctx, "ch", d.ID, "w1", time.Minute))

		time.Sleep(400 * time.Millisecond)

		rctx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
		defer cancel()
		_, err = b.Receive(rctx, "ch", "w2", time.Minute)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("NackDelaysRedelivery", func(t *testing.T) {
		b := newBroker(t)
		ctx := context.Background()
		require.NoError(t, b.Publish(ctx, "ch", []byte("x")))

		d, err := b.Receive(ctx, "ch", "w1", time.Minute)
		require.NoError(t, err)

		released := time.Now()
		require.NoError(t, b.Nack(ctx, "ch", d.ID, "w1", released.Add(200*time.Millisecond)))

		rctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		_, err = b.Receive(rctx, "ch", "w1", time.Minute)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		again, err := b.Receive(ctx, "ch", "w1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, d.ID, again.ID)
		assert.Equal(t, 2, again.Attempt)
		assert.GreaterOrEqual(t, time.Since(released), 190*time.Millisecond)
	})

	t.Run("ConcurrentConsumersGetDistinctDeliveries", func(t *testing.T) {
		b := newBroker(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		const total = 20
		for range total {
			require.NoError(t, b.Publish(ctx, "ch", []byte("x")))
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for w := range 4 {
			wg.Add(1)
			owner := string(rune('a' + w))
			go func() {
				defer wg.Done()
				for {
					mu.Lock()
					done := len(seen) == total
					mu.Unlock()
					if done {
						return
					}
					rctx, rcancel := context.WithTimeout(ctx, 200*time.Millisecond)
					d, err := b.Receive(rctx, "ch", owner, time.Minute)
					rcancel()
					if err != nil {
						continue
					}
					mu.Lock()
					seen[d.ID]++
					mu.Unlock()
					_ = b.Ack(ctx, "ch", d.ID, owner)
				}
			}()
		}
		wg.Wait()

		require.Len(t, seen, total)
		for id, n := range seen {
			assert.Equal(t, 1, n, "delivery %s handed out %d times", id, n)
		}
	})

	t.Run("RejectsNonPositiveLease", func(t *testing.T) {
		b := newBroker(t)
		_, err := b.Receive(context.Background(), "ch", "w1", 0)
		assert.Error(t, err)
	})
}
