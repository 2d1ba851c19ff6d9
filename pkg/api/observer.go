package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the stage engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay message handling.
type Observer interface {
	// OnMessageReceived is called when a stage starts handling a message.
	// attempt is 1 for the first delivery.
	OnMessageReceived(ctx context.Context, stage string, m Message, attempt int)

	// OnEntityMissing is called once when a message is dead-ended because
	// its entity does not exist.
	OnEntityMissing(ctx context.Context, stage string, m Message)

	// OnEntityPending is called when a missing entity will be looked up
	// again on a later delivery, either because the retry budget is not
	// spent yet or because the dead letter could not be recorded.
	OnEntityPending(ctx context.Context, stage string, m Message, attempt int, err error)

	// OnStageCompleted is called after the stage persisted its effect and,
	// for non-terminal stages, published its successor message.
	OnStageCompleted(ctx context.Context, stage string, e *Entity, m Message, d time.Duration)

	// OnStageFailed is called when handling returns an error to the transport.
	OnStageFailed(ctx context.Context, stage string, m Message, err error)

	// OnPublished is called after a message was published to channel.
	OnPublished(ctx context.Context, stage string, channel string, m Message)

	// OnDelayInterrupted is called when the simulated latency wait was cut
	// short. Handling continues.
	OnDelayInterrupted(ctx context.Context, stage string, m Message, err error)
}

// NoopObserver is an Observer that does nothing. Embed it to implement
// only the callbacks you need.
type NoopObserver struct{}

func (NoopObserver) OnMessageReceived(ctx context.Context, stage string, m Message, attempt int) {}

func (NoopObserver) OnEntityMissing(ctx context.Context, stage string, m Message) {}

func (NoopObserver) OnEntityPending(ctx context.Context, stage string, m Message, attempt int, err error) {
}

func (NoopObserver) OnStageCompleted(ctx context.Context, stage string, e *Entity, m Message, d time.Duration) {
}

func (NoopObserver) OnStageFailed(ctx context.Context, stage string, m Message, err error) {}

func (NoopObserver) OnPublished(ctx context.Context, stage string, channel string, m Message) {}

func (NoopObserver) OnDelayInterrupted(ctx context.Context, stage string, m Message, err error) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnMessageReceived(ctx context.Context, stage string, m Message, attempt int) {
	for _, o := range c.observers {
		o.OnMessageReceived(ctx, stage, m, attempt)
	}
}

func (c *CompositeObserver) OnEntityMissing(ctx context.Context, stage string, m Message) {
	for _, o := range c.observers {
		o.OnEntityMissing(ctx, stage, m)
	}
}

func (c *CompositeObserver) OnEntityPending(ctx context.Context, stage string, m Message, attempt int, err error) {
	for _, o := range c.observers {
		o.OnEntityPending(ctx, stage, m, attempt, err)
	}
}

func (c *CompositeObserver) OnStageCompleted(ctx context.Context, stage string, e *Entity, m Message, d time.Duration) {
	for _, o := range c.observers {
		o.OnStageCompleted(ctx, stage, e, m, d)
	}
}

func (c *CompositeObserver) OnStageFailed(ctx context.Context, stage string, m Message, err error) {
	for _, o := range c.observers {
		o.OnStageFailed(ctx, stage, m, err)
	}
}

func (c *CompositeObserver) OnPublished(ctx context.Context, stage string, channel string, m Message) {
	for _, o := range c.observers {
		o.OnPublished(ctx, stage, channel, m)
	}
}

func (c *CompositeObserver) OnDelayInterrupted(ctx context.Context, stage string, m Message, err error) {
	for _, o := range c.observers {
		o.OnDelayInterrupted(ctx, stage, m, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs stage lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnMessageReceived(ctx context.Context, stage string, m Message, attempt int) {
	o.Logger.InfoContext(ctx, "message_received",
		slog.String("stage", stage),
		slog.Int64("entity_id", m.EntityID),
		slog.Int("attempt", attempt),
		slog.String("message", m.String()),
	)
}

func (o *LoggingObserver) OnEntityMissing(ctx context.Context, stage string, m Message) {
	o.Logger.ErrorContext(ctx, "entity_not_found",
		slog.String("stage", stage),
		slog.Int64("entity_id", m.EntityID),
		slog.String("message", m.String()),
	)
}

func (o *LoggingObserver) OnEntityPending(ctx context.Context, stage string, m Message, attempt int, err error) {
	o.Logger.WarnContext(ctx, "entity_pending",
		slog.String("stage", stage),
		slog.Int64("entity_id", m.EntityID),
		slog.Int("attempt", attempt),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStageCompleted(ctx context.Context, stage string, e *Entity, m Message, d time.Duration) {
	o.Logger.InfoContext(ctx, "stage_completed",
		slog.String("stage", stage),
		slog.Int64("entity_id", e.ID),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnStageFailed(ctx context.Context, stage string, m Message, err error) {
	o.Logger.ErrorContext(ctx, "stage_failed",
		slog.String("stage", stage),
		slog.Int64("entity_id", m.EntityID),
		slog.String("message", m.String()),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnPublished(ctx context.Context, stage string, channel string, m Message) {
	o.Logger.DebugContext(ctx, "message_published",
		slog.String("stage", stage),
		slog.String("channel", channel),
		slog.Int64("entity_id", m.EntityID),
	)
}

func (o *LoggingObserver) OnDelayInterrupted(ctx context.Context, stage string, m Message, err error) {
	o.Logger.WarnContext(ctx, "delay_interrupted",
		slog.String("stage", stage),
		slog.Int64("entity_id", m.EntityID),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate stage durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	messagesReceived   atomic.Int64
	entitiesMissing    atomic.Int64
	entitiesPending    atomic.Int64
	stagesCompleted    atomic.Int64
	stagesFailed       atomic.Int64
	messagesPublished  atomic.Int64
	delaysInterrupted  atomic.Int64
	totalStageDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	MessagesReceived  int64
	EntitiesMissing   int64
	EntitiesPending   int64
	StagesCompleted   int64
	StagesFailed      int64
	MessagesPublished int64
	DelaysInterrupted int64

	AvgStageDuration time.Duration
}

func (m *BasicMetrics) OnMessageReceived(ctx context.Context, stage string, msg Message, attempt int) {
	m.messagesReceived.Add(1)
}

func (m *BasicMetrics) OnEntityMissing(ctx context.Context, stage string, msg Message) {
	m.entitiesMissing.Add(1)
}

func (m *BasicMetrics) OnEntityPending(ctx context.Context, stage string, msg Message, attempt int, err error) {
	m.entitiesPending.Add(1)
}

func (m *BasicMetrics) OnStageCompleted(ctx context.Context, stage string, e *Entity, msg Message, d time.Duration) {
	m.stagesCompleted.Add(1)
	m.totalStageDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnStageFailed(ctx context.Context, stage string, msg Message, err error) {
	m.stagesFailed.Add(1)
}

func (m *BasicMetrics) OnPublished(ctx context.Context, stage string, channel string, msg Message) {
	m.messagesPublished.Add(1)
}

func (m *BasicMetrics) OnDelayInterrupted(ctx context.Context, stage string, msg Message, err error) {
	m.delaysInterrupted.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	completed := m.stagesCompleted.Load()
	totalNs := m.totalStageDuration.Load()

	var avg time.Duration
	if completed > 0 {
		avg = time.Duration(totalNs / completed)
	}

	return BasicMetricsSnapshot{
		MessagesReceived:  m.messagesReceived.Load(),
		EntitiesMissing:   m.entitiesMissing.Load(),
		EntitiesPending:   m.entitiesPending.Load(),
		StagesCompleted:   completed,
		StagesFailed:      m.stagesFailed.Load(),
		MessagesPublished: m.messagesPublished.Load(),
		DelaysInterrupted: m.delaysInterrupted.Load(),
		AvgStageDuration:  avg,
	}
}
