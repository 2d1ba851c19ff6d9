package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker is a durable Broker backed by Redis.
//
// Key layout:
//
//	<prefix>q:<channel>:ready   => ZSET of delivery ids scored by not-before (ms)
//	<prefix>q:<channel>:leased  => ZSET of delivery ids scored by lease expiry (ms)
//	<prefix>d:<id>              => HASH {payload, enqueued_at, attempts, owner}
//	<prefix>seq                 => INCR counter prefixed to delivery ids
//
// Members with equal scores sort lexicographically, so delivery ids start
// with a zero-padded publish sequence to keep same-millisecond deliveries
// in FIFO order.
//
// State transitions run as Lua scripts so each one is atomic. The scripts
// touch delivery hashes that are not declared as KEYS, so the broker needs a
// single-node Redis (or a cluster where the prefix is a hash tag).
type RedisBroker struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
}

// Ensure RedisBroker implements Broker.
var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker creates a RedisBroker. prefix defaults to "debtflow:".
func NewRedisBroker(client *redis.Client, prefix string) *RedisBroker {
	if prefix == "" {
		prefix = "debtflow:"
	}
	return &RedisBroker{
		client:       client,
		prefix:       prefix,
		pollInterval: 50 * time.Millisecond,
	}
}

func (r *RedisBroker) keyReady(channel string) string {
	return r.prefix + "q:" + channel + ":ready"
}

func (r *RedisBroker) keyLeased(channel string) string {
	return r.prefix + "q:" + channel + ":leased"
}

func (r *RedisBroker) keyDeliveryPrefix() string {
	return r.prefix + "d:"
}

func (r *RedisBroker) keySeq() string {
	return r.prefix + "seq"
}

func (r *RedisBroker) keyDelivery(id string) string {
	return r.keyDeliveryPrefix() + id
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

// KEYS: ready, leased. ARGV: now, leaseUntil, owner, deliveryPrefix.
var receiveScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], ARGV[1], id)
  redis.call('HDEL', ARGV[4] .. id, 'owner')
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
local key = ARGV[4] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
local attempts = redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HSET', key, 'owner', ARGV[3])
local fields = redis.call('HMGET', key, 'payload', 'enqueued_at')
return {id, fields[1], fields[2], attempts}
`)

// KEYS: leased, delivery. ARGV: id, owner.
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'owner') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

// KEYS: ready, leased, delivery. ARGV: id, owner, notBefore.
var nackScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'owner') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('HDEL', KEYS[3], 'owner')
return 1
`)

// KEYS: leased, delivery. ARGV: id, owner, now, leaseUntil.
var renewScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'owner') ~= ARGV[2] then
  return 0
end
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) <= tonumber(ARGV[3]) then
  return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[4], ARGV[1])
return 1
`)

func (r *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	seq, err := r.client.Incr(ctx, r.keySeq()).Result()
	if err != nil {
		return err
	}
	id := fmt.Sprintf("%020d-%s", seq, newDeliveryID())
	now := time.Now()

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.keyDelivery(id),
			"payload", payload,
			"enqueued_at", now.UnixNano(),
			"attempts", 0,
		)
		pipe.ZAdd(ctx, r.keyReady(channel), redis.Z{Score: float64(millis(now)), Member: id})
		return nil
	})
	return err
}

func (r *RedisBroker) Receive(ctx context.Context, channel, owner string, leaseTTL time.Duration) (*Delivery, error) {
	if err := validLease(leaseTTL); err != nil {
		return nil, err
	}

	tmr := newPollTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		d, err := r.tryLease(ctx, channel, owner, leaseTTL)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		if err := waitPoll(ctx, tmr, r.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (r *RedisBroker) tryLease(ctx context.Context, channel, owner string, leaseTTL time.Duration) (*Delivery, error) {
	now := time.Now()
	leaseUntil := now.Add(leaseTTL)

	res, err := receiveScript.Run(ctx, r.client,
		[]string{r.keyReady(channel), r.keyLeased(channel)},
		millis(now), millis(leaseUntil), owner, r.keyDeliveryPrefix(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("redis broker: unexpected receive reply of length %d", len(res))
	}

	id, _ := res[0].(string)
	payload, _ := res[1].(string)
	enqueuedRaw, _ := res[2].(string)
	attempts, _ := res[3].(int64)

	enqueuedNanos, err := strconv.ParseInt(enqueuedRaw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis broker: delivery %s: bad enqueued_at: %w", id, err)
	}

	return &Delivery{
		ID:             id,
		Channel:        channel,
		Payload:        []byte(payload),
		Attempt:        int(attempts),
		Owner:          owner,
		EnqueuedAt:     time.Unix(0, enqueuedNanos),
		LeaseExpiresAt: leaseUntil,
	}, nil
}

func (r *RedisBroker) Ack(ctx context.Context, channel, id, owner string) error {
	return ackScript.Run(ctx, r.client,
		[]string{r.keyLeased(channel), r.keyDelivery(id)},
		id, owner,
	).Err()
}

func (r *RedisBroker) Nack(ctx context.Context, channel, id, owner string, notBefore time.Time) error {
	return nackScript.Run(ctx, r.client,
		[]string{r.keyReady(channel), r.keyLeased(channel), r.keyDelivery(id)},
		id, owner, millis(notBefore),
	).Err()
}

func (r *RedisBroker) RenewLease(ctx context.Context, channel, id, owner string, leaseTTL time.Duration) error {
	now := time.Now()
	ok, err := renewScript.Run(ctx, r.client,
		[]string{r.keyLeased(channel), r.keyDelivery(id)},
		id, owner, millis(now), millis(now.Add(leaseTTL)),
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *RedisBroker) Len(ctx context.Context, channel string) (int, error) {
	pipe := r.client.Pipeline()
	ready := pipe.ZCard(ctx, r.keyReady(channel))
	leased := pipe.ZCard(ctx, r.keyLeased(channel))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(ready.Val() + leased.Val()), nil
}
