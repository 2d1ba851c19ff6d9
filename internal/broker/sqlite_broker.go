package broker

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteBroker is a durable Broker backed by SQLite.
//
// Deliveries live in a single table. A delivery is visible when its
// not_before has passed and it is not under an unexpired lease. Receive
// claims a visible row with a conditional UPDATE, so two consumers racing
// for the same row cannot both win.
//
// The caller is responsible for importing the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteBroker struct {
	db           *sql.DB
	pollInterval time.Duration
}

// Ensure SQLiteBroker implements Broker.
var _ Broker = (*SQLiteBroker)(nil)

// NewSQLiteBroker initializes the deliveries table in the given DB and
// returns a new broker.
func NewSQLiteBroker(db *sql.DB) (*SQLiteBroker, error) {
	b := &SQLiteBroker{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := b.initSchema(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBroker) initSchema() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS deliveries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			channel TEXT NOT NULL,
			payload BLOB,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT,
			lease_until INTEGER NOT NULL DEFAULT 0
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

func (b *SQLiteBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	now := time.Now().UnixNano()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO deliveries (id, channel, payload, enqueued_at, not_before)
		VALUES (?, ?, ?, ?, ?)`,
		newDeliveryID(), channel, payload, now, now,
	)
	return err
}

func (b *SQLiteBroker) Receive(ctx context.Context, channel, owner string, leaseTTL time.Duration) (*Delivery, error) {
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

// tryLease claims the oldest visible delivery, or returns nil when there is
// none. A lost race with another consumer also returns nil; the caller polls
// again.
func (b *SQLiteBroker) tryLease(ctx context.Context, channel, owner string, leaseTTL time.Duration) (*Delivery, error) {
	now := time.Now()
	nowNanos := now.UnixNano()

	var (
		seq        int64
		id         string
		payload    []byte
		enqueuedAt int64
		attempts   int
	)
	err := b.db.QueryRowContext(ctx, `
		SELECT seq, id, payload, enqueued_at, attempts
		FROM deliveries
		WHERE channel = ? AND not_before <= ? AND (lease_owner IS NULL OR lease_until <= ?)
		ORDER BY not_before, seq
		LIMIT 1`, channel, nowNanos, nowNanos,
	).Scan(&seq, &id, &payload, &enqueuedAt, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	leaseUntil := now.Add(leaseTTL)
	res, err := b.db.ExecContext(ctx, `
		UPDATE deliveries
		SET lease_owner = ?, lease_until = ?, attempts = attempts + 1
		WHERE seq = ? AND attempts = ? AND (lease_owner IS NULL OR lease_until <= ?)`,
		owner, leaseUntil.UnixNano(), seq, attempts, nowNanos,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	return &Delivery{
		ID:             id,
		Channel:        channel,
		Payload:        payload,
		Attempt:        attempts + 1,
		Owner:          owner,
		EnqueuedAt:     time.Unix(0, enqueuedAt),
		LeaseExpiresAt: leaseUntil,
	}, nil
}

func (b *SQLiteBroker) Ack(ctx context.Context, channel, id, owner string) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE channel = ? AND id = ? AND lease_owner = ?`,
		channel, id, owner,
	)
	return err
}

func (b *SQLiteBroker) Nack(ctx context.Context, channel, id, owner string, notBefore time.Time) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE deliveries
		SET lease_owner = NULL, lease_until = 0, not_before = ?
		WHERE channel = ? AND id = ? AND lease_owner = ?`,
		notBefore.UnixNano(), channel, id, owner,
	)
	return err
}

func (b *SQLiteBroker) RenewLease(ctx context.Context, channel, id, owner string, leaseTTL time.Duration) error {
	now := time.Now()
	res, err := b.db.ExecContext(ctx, `
		UPDATE deliveries
		SET lease_until = ?
		WHERE channel = ? AND id = ? AND lease_owner = ? AND lease_until > ?`,
		now.Add(leaseTTL).UnixNano(), channel, id, owner, now.UnixNano(),
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

func (b *SQLiteBroker) Len(ctx context.Context, channel string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE channel = ?`, channel,
	).Scan(&n)
	return n, err
}
