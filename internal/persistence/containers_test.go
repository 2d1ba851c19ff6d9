package persistence

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/debtflow/internal/testutil"
)

type PostgresStoreTestSuite struct {
	suite.Suite
	db *sql.DB
}

func TestPostgresStoreSuite(t *testing.T) {
	dsn := testutil.PostgresDSN(t)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	suite.Run(t, &PostgresStoreTestSuite{db: db})
}

func (s *PostgresStoreTestSuite) TestContract() {
	runStoreContract(s.T(), func(t *testing.T) EntityStore {
		store, err := NewPostgresEntityStore(s.db)
		require.NoError(t, err)
		_, err = s.db.Exec(`TRUNCATE TABLE entities RESTART IDENTITY`)
		require.NoError(t, err)
		return store
	})
}

type RedisStoreTestSuite struct {
	suite.Suite
	client *redis.Client
}

func TestRedisStoreSuite(t *testing.T) {
	addr := testutil.RedisAddr(t)

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	suite.Run(t, &RedisStoreTestSuite{client: client})
}

func (s *RedisStoreTestSuite) TestContract() {
	runStoreContract(s.T(), func(t *testing.T) EntityStore {
		require.NoError(t, s.client.FlushDB(context.Background()).Err())
		return NewRedisEntityStore(s.client, "test:")
	})
}

func (s *RedisStoreTestSuite) TestPrefixesIsolateStores() {
	ctx := context.Background()
	s.Require().NoError(s.client.FlushDB(ctx).Err())

	a := NewRedisEntityStore(s.client, "a:")
	b := NewRedisEntityStore(s.client, "b:")

	_, err := a.Create(ctx)
	s.Require().NoError(err)

	all, err := b.List(ctx)
	s.Require().NoError(err)
	s.Empty(all)

	_, err = b.Get(ctx, 1)
	s.ErrorIs(err, ErrEntityNotFound)
}

type MongoStoreTestSuite struct {
	suite.Suite
	client *mongo.Client
}

func TestMongoStoreSuite(t *testing.T) {
	uri := testutil.MongoURI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	suite.Run(t, &MongoStoreTestSuite{client: client})
}

func (s *MongoStoreTestSuite) TestContract() {
	runStoreContract(s.T(), func(t *testing.T) EntityStore {
		db := s.client.Database("debtflow_test")
		require.NoError(t, db.Collection("entities").Drop(context.Background()))
		require.NoError(t, db.Collection("entities_counters").Drop(context.Background()))
		return NewMongoEntityStore(s.client, "debtflow_test", "entities")
	})
}
