package broker

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoBroker is a durable Broker backed by MongoDB.
//
// Collection schema:
//
//	{
//	  _id:         string,    // delivery id
//	  seq:         ObjectID,  // publish order within a millisecond
//	  channel:     string,
//	  payload:     []byte,
//	  enqueued_at: time.Time,
//	  not_before:  time.Time,
//	  attempts:    int,
//	  owner:       string,    // "" when not leased
//	  lease_until: time.Time,
//	}
//
// Receive leases with a single FindOneAndUpdate, which is atomic per document.
type MongoBroker struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

// Ensure MongoBroker implements Broker.
var _ Broker = (*MongoBroker)(nil)

// NewMongoBroker creates a Mongo-backed broker.
// dbName defaults to "debtflow", collName to "deliveries".
func NewMongoBroker(client *mongo.Client, dbName, collName string) *MongoBroker {
	if dbName == "" {
		dbName = "debtflow"
	}
	if collName == "" {
		collName = "deliveries"
	}
	return &MongoBroker{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: 100 * time.Millisecond,
	}
}

type mongoDeliveryDoc struct {
	ID         string             `bson:"_id"`
	Seq        primitive.ObjectID `bson:"seq"`
	Channel    string             `bson:"channel"`
	Payload    []byte             `bson:"payload"`
	EnqueuedAt time.Time          `bson:"enqueued_at"`
	NotBefore  time.Time          `bson:"not_before"`
	Attempts   int                `bson:"attempts"`
	Owner      string             `bson:"owner"`
	LeaseUntil time.Time          `bson:"lease_until"`
}

func (b *MongoBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	now := time.Now().UTC()
	_, err := b.coll.InsertOne(ctx, mongoDeliveryDoc{
		ID:         newDeliveryID(),
		Seq:        primitive.NewObjectID(),
		Channel:    channel,
		Payload:    payload,
		EnqueuedAt: now,
		NotBefore:  now,
	})
	return err
}

// Receive blocks (via polling) until a delivery is available or ctx is
// cancelled.
func (b *MongoBroker) Receive(ctx context.Context, channel, owner string, leaseTTL time.Duration) (*Delivery, error) {
	if err := validLease(leaseTTL); err != nil {
		return nil, err
	}

	tmr := newPollTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		leaseUntil := now.Add(leaseTTL)

		var doc mongoDeliveryDoc
		err := b.coll.FindOneAndUpdate(ctx,
			bson.M{
				"channel":    channel,
				"not_before": bson.M{"$lte": now},
				"$or": bson.A{
					bson.M{"owner": ""},
					bson.M{"lease_until": bson.M{"$lte": now}},
				},
			},
			bson.M{
				"$set": bson.M{"owner": owner, "lease_until": leaseUntil},
				"$inc": bson.M{"attempts": 1},
			},
			options.FindOneAndUpdate().
				SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "seq", Value: 1}}).
				SetReturnDocument(options.After),
		).Decode(&doc)

		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				if err := waitPoll(ctx, tmr, b.pollInterval); err != nil {
					return nil, err
				}
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}

		return &Delivery{
			ID:             doc.ID,
			Channel:        doc.Channel,
			Payload:        doc.Payload,
			Attempt:        doc.Attempts,
			Owner:          owner,
			EnqueuedAt:     doc.EnqueuedAt,
			LeaseExpiresAt: leaseUntil,
		}, nil
	}
}

func (b *MongoBroker) Ack(ctx context.Context, channel, id, owner string) error {
	_, err := b.coll.DeleteOne(ctx, bson.M{"_id": id, "channel": channel, "owner": owner})
	return err
}

func (b *MongoBroker) Nack(ctx context.Context, channel, id, owner string, notBefore time.Time) error {
	_, err := b.coll.UpdateOne(ctx,
		bson.M{"_id": id, "channel": channel, "owner": owner},
		bson.M{"$set": bson.M{
			"owner":       "",
			"lease_until": time.Time{},
			"not_before":  notBefore.UTC(),
		}},
	)
	return err
}

func (b *MongoBroker) RenewLease(ctx context.Context, channel, id, owner string, leaseTTL time.Duration) error {
	now := time.Now().UTC()
	res, err := b.coll.UpdateOne(ctx,
		bson.M{
			"_id":         id,
			"channel":     channel,
			"owner":       owner,
			"lease_until": bson.M{"$gt": now},
		},
		bson.M{"$set": bson.M{"lease_until": now.Add(leaseTTL)}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Len returns an approximate number of deliveries on channel.
func (b *MongoBroker) Len(ctx context.Context, channel string) (int, error) {
	n, err := b.coll.CountDocuments(ctx, bson.M{"channel": channel})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
