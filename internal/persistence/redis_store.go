package persistence

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/debtflow/pkg/api"
)

// RedisEntityStore is an EntityStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>ent:<id>   => gob-encoded entityPayload
//	<prefix>ent:seq    => INCR counter for Create
//	<prefix>idx:all    => ZSET of entity ids scored by id
//
// Upsert is a WATCH/MULTI compare-and-swap on the entity key, so two
// handlers racing on the same entity cannot both win.
type RedisEntityStore struct {
	client *redis.Client
	prefix string
}

var _ EntityStore = (*RedisEntityStore)(nil)

// NewRedisEntityStore creates a RedisEntityStore.
// prefix is optional but recommended (e.g. "debtflow:").
func NewRedisEntityStore(client *redis.Client, prefix string) *RedisEntityStore {
	if prefix == "" {
		prefix = "debtflow:"
	}
	return &RedisEntityStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisEntityStore) keyEntity(id int64) string {
	return r.prefix + "ent:" + strconv.FormatInt(id, 10)
}

func (r *RedisEntityStore) keySeq() string {
	return r.prefix + "ent:seq"
}

func (r *RedisEntityStore) keyAll() string {
	return r.prefix + "idx:all"
}

func (r *RedisEntityStore) Create(ctx context.Context) (*api.Entity, error) {
	for {
		id, err := r.client.Incr(ctx, r.keySeq()).Result()
		if err != nil {
			return nil, err
		}

		e := &api.Entity{ID: id}
		stored, err := r.Upsert(ctx, e)
		if errors.Is(err, ErrVersionConflict) {
			// id taken by an explicit Upsert; draw the next one.
			continue
		}
		return stored, err
	}
}

func (r *RedisEntityStore) Get(ctx context.Context, id int64) (*api.Entity, error) {
	data, err := r.client.Get(ctx, r.keyEntity(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEntityNotFound
		}
		return nil, err
	}
	return DecodeEntity(data)
}

func (r *RedisEntityStore) Upsert(ctx context.Context, e *api.Entity) (*api.Entity, error) {
	if e == nil || e.ID <= 0 {
		return nil, errors.New("persistence: upsert requires a positive entity id")
	}

	key := r.keyEntity(e.ID)
	stored := e.Clone()
	stored.Version = e.Version + 1

	data, err := EncodeEntity(stored)
	if err != nil {
		return nil, err
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		var current int64
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			existing, err := DecodeEntity(raw)
			if err != nil {
				return err
			}
			current = existing.Version
		}
		if current != e.Version {
			return ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, r.keyAll(), redis.Z{Score: float64(e.ID), Member: e.ID})
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *RedisEntityStore) List(ctx context.Context) ([]*api.Entity, error) {
	ids, err := r.client.ZRange(ctx, r.keyAll(), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.Entity{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.Entity{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, err
		}
		cmds[i] = pipe.Get(ctx, r.keyEntity(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	entities := make([]*api.Entity, 0, len(cmds))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		e, err := DecodeEntity(data)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, nil
}
