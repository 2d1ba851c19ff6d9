package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/debtflow"
	"github.com/petrijr/debtflow/internal/config"
	"github.com/petrijr/debtflow/pkg/api"
	"github.com/petrijr/debtflow/pkg/worker"
)

// backend is an opened store and broker plus whatever has to be closed
// afterwards.
type backend struct {
	store  debtflow.EntityStore
	broker debtflow.Broker
	close  func() error
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return &backend{
			store:  debtflow.NewInMemoryStore(),
			broker: debtflow.NewInMemoryBroker(),
			close:  func() error { return nil },
		}, nil

	case config.BackendSQLite:
		db, err := sql.Open("sqlite", "file:"+cfg.SQLite.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLite.Path, err)
		}
		db.SetMaxOpenConns(1)
		return sqlBackend(db, debtflow.NewSQLiteStore, debtflow.NewSQLiteBroker)

	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return sqlBackend(db, debtflow.NewPostgresStore, debtflow.NewPostgresBroker)

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		return &backend{
			store:  debtflow.NewRedisStore(client, cfg.Redis.Prefix),
			broker: debtflow.NewRedisBroker(client, cfg.Redis.Prefix),
			close:  client.Close,
		}, nil

	case config.BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		return &backend{
			store:  debtflow.NewMongoStore(client, cfg.Mongo.Database, ""),
			broker: debtflow.NewMongoBroker(client, cfg.Mongo.Database, ""),
			close:  func() error { return client.Disconnect(context.Background()) },
		}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func sqlBackend(
	db *sql.DB,
	newStore func(*sql.DB) (debtflow.EntityStore, error),
	newBroker func(*sql.DB) (debtflow.Broker, error),
) (*backend, error) {
	store, err := newStore(db)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("init store: %w", err), db.Close())
	}
	b, err := newBroker(db)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("init broker: %w", err), db.Close())
	}
	return &backend{store: store, broker: b, close: db.Close}, nil
}

// openBundle opens the configured backend and wires the engine and workers.
// Workers log deliveries, recover panics and report OpenTelemetry spans and
// metrics through the global providers.
func openBundle(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*debtflow.WorkerBundle, func() error, error) {
	pipeline, err := cfg.Pipeline()
	if err != nil {
		return nil, nil, err
	}

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	wcfg := cfg.WorkerConfig()
	wcfg.Logger = logger
	wcfg.Middleware = []worker.Middleware{
		worker.Recover(logger),
		worker.Tracing(),
		worker.Metrics(),
		worker.Logging(logger),
	}

	bundle, err := debtflow.NewBundle(be.store, be.broker, debtflow.Options{
		Pipeline:              pipeline,
		Delayer:               cfg.Delayer(),
		Observer:              api.NewLoggingObserver(logger),
		DeadLetterChannel:     cfg.DeadLetter.Channel,
		MissingEntityAttempts: cfg.Stage.MissingEntityAttempts,
		Worker:                wcfg,
	})
	if err != nil {
		return nil, nil, errors.Join(err, be.close())
	}
	return bundle, be.close, nil
}
