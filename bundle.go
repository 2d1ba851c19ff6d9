package debtflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petrijr/debtflow/internal/broker"
	"github.com/petrijr/debtflow/internal/engine"
	"github.com/petrijr/debtflow/internal/persistence"
	"github.com/petrijr/debtflow/pkg/api"
	"github.com/petrijr/debtflow/pkg/worker"
)

// Options configures a WorkerBundle. The zero value runs the default
// pipeline with simulated latency and a dead-letter queue on
// broker.DefaultDeadLetterChannel.
type Options struct {
	// Pipeline defaults to DefaultPipeline().
	Pipeline Pipeline

	// Delayer defaults to api.RandomDelay{}.
	Delayer  Delayer
	Observer Observer

	// DeadLetterChannel names the dead-letter queue's channel.
	DeadLetterChannel string

	// DisableDeadLetters drops dead letters after logging them.
	DisableDeadLetters bool

	MissingEntityAttempts int
	ConflictRetries       int

	// Worker is applied to every per-channel worker. Its DeadLetters defaults
	// to the bundle's queue.
	Worker WorkerConfig
}

// WorkerBundle wires together an EntityStore, a Broker, an Engine and one
// Worker per pipeline channel, all sharing the same backend.
type WorkerBundle struct {
	Engine      Engine
	Store       EntityStore
	Broker      Broker
	DeadLetters *DeadLetterQueue
	Workers     []*Worker
}

// NewBundle builds the engine and workers for opts.Pipeline over store and b.
func NewBundle(store EntityStore, b Broker, opts Options) (*WorkerBundle, error) {
	if store == nil || b == nil {
		return nil, errors.New("debtflow: store and broker are required")
	}

	pipeline := opts.Pipeline
	if len(pipeline.Stages) == 0 {
		pipeline = api.DefaultPipeline()
	}

	var dlq *broker.DeadLetterQueue
	var sink api.DeadLetterSink
	if !opts.DisableDeadLetters {
		dlq = broker.NewDeadLetterQueue(b, opts.DeadLetterChannel)
		sink = dlq
		for _, ch := range pipeline.Channels() {
			if ch == dlq.Channel() {
				return nil, fmt.Errorf("debtflow: dead-letter channel %q is also a pipeline channel", ch)
			}
		}
	}

	eng, err := engine.NewEngine(engine.Config{
		Pipeline:              pipeline,
		Store:                 store,
		Publisher:             b,
		Delayer:               opts.Delayer,
		Observer:              opts.Observer,
		DeadLetters:           sink,
		MissingEntityAttempts: opts.MissingEntityAttempts,
		ConflictRetries:       opts.ConflictRetries,
	})
	if err != nil {
		return nil, err
	}

	wcfg := opts.Worker
	if wcfg.DeadLetters == nil {
		wcfg.DeadLetters = sink
	}

	workers := make([]*Worker, 0, len(pipeline.Stages))
	for _, ch := range pipeline.Channels() {
		w, err := worker.NewWithConfig(eng, b, ch, wcfg)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}

	return &WorkerBundle{
		Engine:      eng,
		Store:       store,
		Broker:      b,
		DeadLetters: dlq,
		Workers:     workers,
	}, nil
}

// NewSQLiteBundle constructs a durable Store + Broker + Engine + Workers
// combo sharing the same SQLite database. Entities and queued messages are
// persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:debtflow.db?_pragma=journal_mode(WAL)")
//	bundle, err := debtflow.NewSQLiteBundle(db, debtflow.Options{})
//	go bundle.Run(ctx)
//	e, _ := bundle.CreateEntity(ctx)
//	_ = bundle.StartWorkflow(ctx, e.ID, nil)
func NewSQLiteBundle(db *sql.DB, opts Options) (*WorkerBundle, error) {
	store, err := persistence.NewSQLiteEntityStore(db)
	if err != nil {
		return nil, err
	}
	b, err := broker.NewSQLiteBroker(db)
	if err != nil {
		return nil, err
	}
	return NewBundle(store, b, opts)
}

// Run runs every worker until ctx is done and waits for in-flight
// deliveries to settle.
func (wb *WorkerBundle) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(wb.Workers))
	for i, w := range wb.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = w.Run(ctx)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// CreateEntity stores a fresh entity with no stage completed.
func (wb *WorkerBundle) CreateEntity(ctx context.Context) (*Entity, error) {
	return wb.Store.Create(ctx)
}

// StartWorkflow publishes a message for entity id on the pipeline's entry
// channel. extra fields travel with the message through every stage.
func (wb *WorkerBundle) StartWorkflow(ctx context.Context, id int64, extra map[string]any) error {
	m := api.NewMessage(id)
	for k, v := range extra {
		m = m.With(k, v)
	}
	return wb.Engine.Publish(ctx, wb.Engine.Pipeline().Entry(), m)
}

// Entity returns the stored entity with id.
func (wb *WorkerBundle) Entity(ctx context.Context, id int64) (*Entity, error) {
	return wb.Store.Get(ctx, id)
}

// WaitForCompletion polls the store until entity id has executed its script
// or ctx is done.
func (wb *WorkerBundle) WaitForCompletion(ctx context.Context, id int64) (*Entity, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		e, err := wb.Store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if e.Completed() {
			return e, nil
		}
		select {
		case <-ctx.Done():
			return e, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListDeadLetters returns up to limit dead letters without consuming them.
func (wb *WorkerBundle) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if wb.DeadLetters == nil {
		return nil, nil
	}
	return wb.DeadLetters.Read(ctx, limit, false)
}
