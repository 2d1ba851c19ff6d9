package debtflow

import (
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/debtflow/internal/broker"
	"github.com/petrijr/debtflow/internal/engine"
	"github.com/petrijr/debtflow/internal/persistence"
	"github.com/petrijr/debtflow/pkg/api"
	"github.com/petrijr/debtflow/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api or internal
// packages.

type (
	Entity          = api.Entity
	Message         = api.Message
	Pipeline        = api.Pipeline
	StageDefinition = api.StageDefinition
	EffectFunc      = api.EffectFunc
	GuardFunc       = api.GuardFunc
	ChannelOverride = api.ChannelOverride
	Engine          = api.Engine
	DeadLetter      = api.DeadLetter
	DeadLetterSink  = api.DeadLetterSink
	Delayer         = api.Delayer

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	EntityStore     = persistence.EntityStore
	Broker          = broker.Broker
	Delivery        = broker.Delivery
	DeadLetterQueue = broker.DeadLetterQueue
	EngineConfig    = engine.Config

	Worker       = worker.Worker
	WorkerConfig = worker.Config
	Middleware   = worker.Middleware
)

// Re-export common helpers.

var (
	DefaultPipeline      = api.DefaultPipeline
	NewMessage           = api.NewMessage
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	Permanent            = api.Permanent
	IsPermanent          = api.IsPermanent
)

// Store constructors.
// These wrap internal/persistence so external callers never need to import
// internal packages.

// NewInMemoryStore returns a non-durable EntityStore.
func NewInMemoryStore() EntityStore {
	return persistence.NewInMemoryStore()
}

// NewSQLiteStore returns an EntityStore in a SQLite database. The caller
// imports the driver (modernc.org/sqlite).
func NewSQLiteStore(db *sql.DB) (EntityStore, error) {
	return persistence.NewSQLiteEntityStore(db)
}

// NewPostgresStore returns an EntityStore in PostgreSQL. The caller imports
// the driver (github.com/jackc/pgx/v5/stdlib).
func NewPostgresStore(db *sql.DB) (EntityStore, error) {
	return persistence.NewPostgresEntityStore(db)
}

// NewRedisStore returns an EntityStore in Redis. prefix namespaces the keys.
func NewRedisStore(client *redis.Client, prefix string) EntityStore {
	return persistence.NewRedisEntityStore(client, prefix)
}

// NewMongoStore returns an EntityStore in MongoDB.
func NewMongoStore(client *mongo.Client, dbName, collName string) EntityStore {
	return persistence.NewMongoEntityStore(client, dbName, collName)
}

// Broker constructors.

// NewInMemoryBroker returns a non-durable Broker.
func NewInMemoryBroker() Broker {
	return broker.NewInMemoryBroker()
}

// NewSQLiteBroker returns a Broker whose channels live in a SQLite table.
func NewSQLiteBroker(db *sql.DB) (Broker, error) {
	return broker.NewSQLiteBroker(db)
}

// NewPostgresBroker returns a Broker whose channels live in a PostgreSQL
// table.
func NewPostgresBroker(db *sql.DB) (Broker, error) {
	return broker.NewPostgresBroker(db)
}

// NewRedisBroker returns a Broker over Redis sorted sets.
func NewRedisBroker(client *redis.Client, prefix string) Broker {
	return broker.NewRedisBroker(client, prefix)
}

// NewMongoBroker returns a Broker over a MongoDB collection.
func NewMongoBroker(client *mongo.Client, dbName, collName string) Broker {
	return broker.NewMongoBroker(client, dbName, collName)
}

// NewDeadLetterQueue returns a DeadLetterSink publishing to channel on b.
func NewDeadLetterQueue(b Broker, channel string) *DeadLetterQueue {
	return broker.NewDeadLetterQueue(b, channel)
}

// Engine constructors.

// NewEngine returns an Engine for cfg.Pipeline over cfg.Store.
func NewEngine(cfg EngineConfig) (Engine, error) {
	return engine.NewEngine(cfg)
}

// NewWorker returns a Worker consuming channel.
func NewWorker(eng Engine, b Broker, channel string, cfg WorkerConfig) (*Worker, error) {
	return worker.NewWithConfig(eng, b, channel, cfg)
}
