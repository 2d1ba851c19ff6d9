package broker

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresBroker is a durable Broker backed by PostgreSQL.
//
// Receive claims a row with UPDATE ... WHERE seq = (SELECT ... FOR UPDATE
// SKIP LOCKED), so concurrent consumers never block on each other's rows.
//
// It expects an *sql.DB that uses a PostgreSQL driver, e.g.:
//
//	_ "github.com/jackc/pgx/v5/stdlib"
type PostgresBroker struct {
	db           *sql.DB
	pollInterval time.Duration
}

// Ensure PostgresBroker implements Broker.
var _ Broker = (*PostgresBroker)(nil)

// NewPostgresBroker initializes the deliveries table and returns a broker.
func NewPostgresBroker(db *sql.DB) (*PostgresBroker, error) {
	b := &PostgresBroker{
		db:           db,
		pollInterval: 50 * time.Millisecond,
	}
	if err := b.initSchema(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *PostgresBroker) initSchema() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS deliveries (
			seq         BIGSERIAL PRIMARY KEY,
			id          TEXT NOT NULL UNIQUE,
			channel     TEXT NOT NULL,
			payload     BYTEA,
			enqueued_at TIMESTAMPTZ NOT NULL,
			not_before  TIMESTAMPTZ NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT,
			lease_until TIMESTAMPTZ
		);
	`)
	if err != nil {
		return err
	}
	_, err = b.db.Exec(`
		CREATE INDEX IF NOT EXISTS deliveries_channel_ready
			ON deliveries (channel, not_before, seq);
	`)
	return err
}

func (b *PostgresBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	now := time.Now().UTC()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO deliveries (id, channel, payload, enqueued_at, not_before)
		VALUES ($1, $2, $3, $4, $4)`,
		newDeliveryID(), channel, payload, now,
	)
	return err
}

func (b *PostgresBroker) Receive(ctx context.Context, channel, owner string, leaseTTL time.Duration) (*Delivery, error) {
	if err := validLease(leaseTTL); err != nil {
		return nil, err
	}

	tmr := newPollTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		d, err := b.tryLease(ctx, channel, owner, leaseTTL)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		if err := waitPoll(ctx, tmr, b.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (b *PostgresBroker) tryLease(ctx context.Context, channel, owner string, leaseTTL time.Duration) (*Delivery, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(leaseTTL)

	var (
		id         string
		payload    []byte
		enqueuedAt time.Time
		attempts   int
	)
	err := b.db.QueryRowContext(ctx, `
		UPDATE deliveries
		SET lease_owner = $2, lease_until = $3, attempts = attempts + 1
		WHERE seq = (
			SELECT seq FROM deliveries
			WHERE channel = $1
			  AND not_before <= $4
			  AND (lease_owner IS NULL OR lease_until <= $4)
			ORDER BY not_before, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, payload, enqueued_at, attempts`,
		channel, owner, leaseUntil, now,
	).Scan(&id, &payload, &enqueuedAt, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &Delivery{
		ID:             id,
		Channel:        channel,
		Payload:        payload,
		Attempt:        attempts,
		Owner:          owner,
		EnqueuedAt:     enqueuedAt,
		LeaseExpiresAt: leaseUntil,
	}, nil
}

func (b *PostgresBroker) Ack(ctx context.Context, channel, id, owner string) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE channel = $1 AND id = $2 AND lease_owner = $3`,
		channel, id, owner,
	)
	return err
}

func (b *PostgresBroker) Nack(ctx context.Context, channel, id, owner string, notBefore time.Time) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE deliveries
		SET lease_owner = NULL, lease_until = NULL, not_before = $4
		WHERE channel = $1 AND id = $2 AND lease_owner = $3`,
		channel, id, owner, notBefore.UTC(),
	)
	return err
}

func (b *PostgresBroker) RenewLease(ctx context.Context, channel, id, owner string, leaseTTL time.Duration) error {
	now := time.Now().UTC()
	res, err := b.db.ExecContext(ctx, `
		UPDATE deliveries
		SET lease_until = $4
		WHERE channel = $1 AND id = $2 AND lease_owner = $3 AND lease_until > $5`,
		channel, id, owner, now.Add(leaseTTL), now,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (b *PostgresBroker) Len(ctx context.Context, channel string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE channel = $1`, channel,
	).Scan(&n)
	return n, err
}
