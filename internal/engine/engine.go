package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/debtflow/internal/broker"
	"github.com/petrijr/debtflow/internal/persistence"
	"github.com/petrijr/debtflow/pkg/api"
)

// DefaultConflictRetries is how many times a stage re-reads and re-applies
// its effect after losing an optimistic-version race.
const DefaultConflictRetries = 3

// Publisher is the slice of a broker the engine needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Config describes how to construct a stage engine.
type Config struct {
	Pipeline  api.Pipeline
	Store     persistence.EntityStore
	Publisher Publisher

	// Delayer simulates downstream latency after the effect is persisted.
	// Nil means api.RandomDelay{} with the default bound.
	Delayer api.Delayer

	// Observer receives stage lifecycle events. Nil means a LoggingObserver
	// over slog.Default(), so a dead-ended message is always logged.
	Observer api.Observer

	// DeadLetters, if set, receives dead-ended missing-entity messages.
	DeadLetters api.DeadLetterSink

	// MissingEntityAttempts is the delivery attempt at which a missing
	// entity is declared permanently missing. Earlier attempts fail
	// retryably so a lagging store replica can catch up. Values below 1
	// mean 1: dead-end on first sight.
	MissingEntityAttempts int

	// ConflictRetries bounds re-reads after ErrVersionConflict. Zero uses
	// DefaultConflictRetries; negative disables retrying.
	ConflictRetries int
}

// stageEngine executes pipeline stages against an entity store. It keeps no
// per-message state, so one instance serves any number of concurrent
// deliveries.
type stageEngine struct {
	pipeline  api.Pipeline
	stages    *stageRegistry
	store     persistence.EntityStore
	publisher Publisher
	delayer   api.Delayer
	observer  api.Observer
	dead      api.DeadLetterSink

	missingAttempts int
	conflictRetries int
}

// Ensure stageEngine implements api.Engine.
var _ api.Engine = (*stageEngine)(nil)

// NewEngine validates cfg and returns an engine for its pipeline.
func NewEngine(cfg Config) (api.Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("engine: publisher is required")
	}

	stages, err := newStageRegistry(cfg.Pipeline)
	if err != nil {
		return nil, err
	}

	e := &stageEngine{
		pipeline:        cfg.Pipeline,
		stages:          stages,
		store:           cfg.Store,
		publisher:       cfg.Publisher,
		delayer:         cfg.Delayer,
		observer:        cfg.Observer,
		dead:            cfg.DeadLetters,
		missingAttempts: max(cfg.MissingEntityAttempts, 1),
		conflictRetries: cfg.ConflictRetries,
	}
	if e.delayer == nil {
		e.delayer = api.RandomDelay{}
	}
	if e.observer == nil {
		e.observer = api.NewLoggingObserver(nil)
	}
	switch {
	case e.conflictRetries == 0:
		e.conflictRetries = DefaultConflictRetries
	case e.conflictRetries < 0:
		e.conflictRetries = 0
	}
	return e, nil
}

// NewInMemoryEngine returns an engine for the default pipeline over an
// in-memory store and broker, with no simulated latency.
func NewInMemoryEngine() (api.Engine, persistence.EntityStore, broker.Broker) {
	store := persistence.NewInMemoryStore()
	b := broker.NewInMemoryBroker()
	e, err := NewEngine(Config{
		Pipeline:  api.DefaultPipeline(),
		Store:     store,
		Publisher: b,
		Delayer:   api.NoDelay{},
	})
	if err != nil {
		// The default pipeline always validates.
		panic(err)
	}
	return e, store, b
}

func (e *stageEngine) Pipeline() api.Pipeline {
	return e.pipeline
}

func (e *stageEngine) Publish(ctx context.Context, channel string, m api.Message) error {
	if _, err := e.stages.lookup(channel); err != nil {
		return err
	}
	return e.publish(ctx, channel, m)
}

func (e *stageEngine) publish(ctx context.Context, channel string, m api.Message) error {
	data, err := api.EncodeMessage(m)
	if err != nil {
		return api.Permanent(fmt.Errorf("encode message for %s: %w", channel, err))
	}
	if err := e.publisher.Publish(ctx, channel, data); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

func (e *stageEngine) Handle(ctx context.Context, channel string, m api.Message, attempt int) error {
	stage, err := e.stages.lookup(channel)
	if err != nil {
		return api.Permanent(err)
	}

	start := time.Now()
	e.observer.OnMessageReceived(ctx, stage.Name, m, attempt)

	entity, err := e.apply(ctx, stage, m)
	if errors.Is(err, api.ErrEntityNotFound) {
		if attempt < e.missingAttempts {
			e.observer.OnEntityPending(ctx, stage.Name, m, attempt, err)
			return &api.StageError{Stage: stage.Name, EntityID: m.EntityID, Err: err}
		}
		return e.deadEnd(ctx, stage, m, attempt)
	}
	if err != nil {
		return e.fail(ctx, stage, m, err)
	}

	if err := e.delayer.Delay(ctx); err != nil {
		e.observer.OnDelayInterrupted(ctx, stage.Name, m, err)
		// The effect is already persisted; publishing is what keeps the
		// entity from stranding mid-pipeline.
		ctx = context.WithoutCancel(ctx)
	}

	if !stage.Terminal() {
		out := m.Clone()
		if err := e.publish(ctx, stage.Output, out); err != nil {
			return e.fail(ctx, stage, m, err)
		}
		e.observer.OnPublished(ctx, stage.Name, stage.Output, out)
	}

	e.observer.OnStageCompleted(ctx, stage.Name, entity, m, time.Since(start))
	return nil
}

// apply resolves the entity, checks the stage guard and persists the stage
// effect. A lost version race re-reads the entity and tries again; since
// effects are set-if-unset, the retry usually finds nothing left to do.
func (e *stageEngine) apply(ctx context.Context, stage api.StageDefinition, m api.Message) (*api.Entity, error) {
	for try := 0; ; try++ {
		entity, err := e.store.Get(ctx, m.EntityID)
		if err != nil {
			return nil, err
		}

		if stage.Guard != nil {
			if err := stage.Guard(entity); err != nil {
				return nil, err
			}
		}
		if stage.Effect == nil {
			return entity, nil
		}

		changed, err := stage.Effect(ctx, entity, m)
		if err != nil {
			return nil, err
		}
		if !changed {
			return entity, nil
		}

		stored, err := e.store.Upsert(ctx, entity)
		if errors.Is(err, api.ErrVersionConflict) && try < e.conflictRetries {
			continue
		}
		if err != nil {
			return nil, err
		}
		return stored, nil
	}
}

func (e *stageEngine) fail(ctx context.Context, stage api.StageDefinition, m api.Message, err error) error {
	serr := &api.StageError{Stage: stage.Name, EntityID: m.EntityID, Err: err}
	e.observer.OnStageFailed(ctx, stage.Name, m, serr)
	return serr
}

// deadEnd consumes a message whose entity does not exist. Nothing is written
// and nothing is published downstream. The dead letter is recorded before the
// message is reported missing, so a failed write leaves it pending for the
// redelivery instead of reporting it twice.
func (e *stageEngine) deadEnd(ctx context.Context, stage api.StageDefinition, m api.Message, attempt int) error {
	if e.dead != nil {
		err := e.dead.DeadLetter(ctx, api.DeadLetter{
			Channel:  stage.Input,
			Stage:    stage.Name,
			Message:  m,
			Error:    api.ErrEntityNotFound.Error(),
			Attempts: attempt,
			FailedAt: time.Now().UTC(),
		})
		if err != nil {
			err = fmt.Errorf("dead-letter entity %d from %s: %w", m.EntityID, stage.Name, err)
			e.observer.OnEntityPending(ctx, stage.Name, m, attempt, err)
			return err
		}
	}
	e.observer.OnEntityMissing(ctx, stage.Name, m)
	return nil
}
