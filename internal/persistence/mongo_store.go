package persistence

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/debtflow/pkg/api"
)

// MongoEntityStore is an EntityStore backed by MongoDB.
//
// Entities live in one collection keyed by _id; ids for Create come from a
// counter document in a second collection. Upsert replaces a document only
// when its version still matches.
type MongoEntityStore struct {
	coll     *mongo.Collection
	counters *mongo.Collection
}

// Ensure it implements EntityStore.
var _ EntityStore = (*MongoEntityStore)(nil)

// NewMongoEntityStore creates a Mongo-backed entity store.
// dbName defaults to "debtflow" if empty, collName defaults to "entities".
func NewMongoEntityStore(client *mongo.Client, dbName, collName string) *MongoEntityStore {
	if dbName == "" {
		dbName = "debtflow"
	}
	if collName == "" {
		collName = "entities"
	}

	db := client.Database(dbName)
	return &MongoEntityStore{
		coll:     db.Collection(collName),
		counters: db.Collection(collName + "_counters"),
	}
}

type mongoEntityDoc struct {
	ID             int64  `bson:"_id"`
	DocumentHash   string `bson:"document_hash,omitempty"`
	SignatureHash  string `bson:"signature_hash,omitempty"`
	ScriptExecuted bool   `bson:"script_executed"`
	Version        int64  `bson:"version"`
}

func (d mongoEntityDoc) entity() *api.Entity {
	return &api.Entity{
		ID:             d.ID,
		DocumentHash:   d.DocumentHash,
		SignatureHash:  d.SignatureHash,
		ScriptExecuted: d.ScriptExecuted,
		Version:        d.Version,
	}
}

func (s *MongoEntityStore) nextID(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "entities"},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Seq, nil
}

func (s *MongoEntityStore) Create(ctx context.Context) (*api.Entity, error) {
	for {
		id, err := s.nextID(ctx)
		if err != nil {
			return nil, err
		}
		stored, err := s.Upsert(ctx, &api.Entity{ID: id})
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return stored, err
	}
}

func (s *MongoEntityStore) Get(ctx context.Context, id int64) (*api.Entity, error) {
	var doc mongoEntityDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrEntityNotFound
		}
		return nil, err
	}
	return doc.entity(), nil
}

func (s *MongoEntityStore) Upsert(ctx context.Context, e *api.Entity) (*api.Entity, error) {
	if e == nil || e.ID <= 0 {
		return nil, errors.New("persistence: upsert requires a positive entity id")
	}

	doc := mongoEntityDoc{
		ID:             e.ID,
		DocumentHash:   e.DocumentHash,
		SignatureHash:  e.SignatureHash,
		ScriptExecuted: e.ScriptExecuted,
		Version:        e.Version + 1,
	}

	if e.Version == 0 {
		if _, err := s.coll.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, ErrVersionConflict
			}
			return nil, err
		}
		return doc.entity(), nil
	}

	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": e.ID, "version": e.Version}, doc)
	if err != nil {
		return nil, err
	}
	if res.MatchedCount == 0 {
		return nil, ErrVersionConflict
	}
	return doc.entity(), nil
}

func (s *MongoEntityStore) List(ctx context.Context) ([]*api.Entity, error) {
	cur, err := s.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var entities []*api.Entity
	for cur.Next(ctx) {
		var doc mongoEntityDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		entities = append(entities, doc.entity())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return entities, nil
}
