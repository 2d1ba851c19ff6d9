package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/debtflow/internal/broker"
	"github.com/petrijr/debtflow/pkg/api"
)

// instrumentationName is the OTel scope for worker spans and metrics.
const instrumentationName = "github.com/petrijr/debtflow/pkg/worker"

// Job is what middleware sees of a delivery being handled.
type Job struct {
	Delivery *broker.Delivery
	Stage    string
	Message  api.Message
}

// Handler runs the stage for the current job.
type Handler func(ctx context.Context) error

// Middleware wraps stage handling with cross-cutting logic. It must call
// next unless it deliberately short-circuits.
type Middleware func(ctx context.Context, j *Job, next Handler) error

// Chain composes middleware; the first one listed is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *Job, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			inner := h
			h = func(ctx context.Context) error {
				return mw(ctx, j, inner)
			}
		}
		return h(ctx)
	}
}

// Logging logs the start and outcome of every delivery.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, j *Job, next Handler) error {
		logger.DebugContext(ctx, "delivery_started",
			slog.String("stage", j.Stage),
			slog.String("channel", j.Delivery.Channel),
			slog.String("delivery_id", j.Delivery.ID),
			slog.Int64("entity_id", j.Message.EntityID),
			slog.Int("attempt", j.Delivery.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.WarnContext(ctx, "delivery_failed",
				slog.String("stage", j.Stage),
				slog.String("delivery_id", j.Delivery.ID),
				slog.Int64("entity_id", j.Message.EntityID),
				slog.Int("attempt", j.Delivery.Attempt),
				slog.Duration("elapsed", elapsed),
				slog.Bool("permanent", api.IsPermanent(err)),
				slog.Any("error", err),
			)
			return err
		}

		logger.DebugContext(ctx, "delivery_completed",
			slog.String("stage", j.Stage),
			slog.String("delivery_id", j.Delivery.ID),
			slog.Int64("entity_id", j.Message.EntityID),
			slog.Duration("elapsed", elapsed),
		)
		return nil
	}
}

// Recover turns a panic in the handler chain into a retryable error.
func Recover(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, j *Job, next Handler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "handler_panicked",
					slog.String("stage", j.Stage),
					slog.String("delivery_id", j.Delivery.ID),
					slog.Int64("entity_id", j.Message.EntityID),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("panic in stage %s: %v", j.Stage, r)
			}
		}()
		return next(ctx)
	}
}

// Timeout bounds how long a single delivery may be handled. A non-positive
// d disables the deadline.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, j *Job, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}

// Tracing wraps handling in a span from the global TracerProvider.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(instrumentationName))
}

// TracingWithTracer wraps handling in a span from tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "debtflow.stage.handle",
			trace.WithAttributes(
				attribute.String("debtflow.stage", j.Stage),
				attribute.String("debtflow.channel", j.Delivery.Channel),
				attribute.String("debtflow.delivery_id", j.Delivery.ID),
				attribute.String("debtflow.entity_id", strconv.FormatInt(j.Message.EntityID, 10)),
				attribute.Int("debtflow.attempt", j.Delivery.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.Bool("debtflow.permanent", api.IsPermanent(err)))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}

// Metrics records stage duration and outcome counts with the global
// MeterProvider.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(instrumentationName))
}

// MetricsWithMeter records stage metrics with meter:
//
//	debtflow.stage.duration   (histogram, seconds) by stage, status
//	debtflow.stage.deliveries (counter) by stage, status
//
// status is "ok", "retry" or "permanent".
func MetricsWithMeter(meter metric.Meter) Middleware {
	// The OTel API hands back noop instruments alongside any error.
	duration, _ := meter.Float64Histogram(
		"debtflow.stage.duration",
		metric.WithDescription("Time spent handling one delivery"),
		metric.WithUnit("s"),
	)
	deliveries, _ := meter.Int64Counter(
		"debtflow.stage.deliveries",
		metric.WithDescription("Deliveries handled"),
		metric.WithUnit("{delivery}"),
	)

	return func(ctx context.Context, j *Job, next Handler) error {
		start := time.Now()
		err := next(ctx)

		status := "ok"
		switch {
		case api.IsPermanent(err):
			status = "permanent"
		case err != nil:
			status = "retry"
		}

		attrs := metric.WithAttributes(
			attribute.String("stage", j.Stage),
			attribute.String("status", status),
		)
		duration.Record(ctx, time.Since(start).Seconds(), attrs)
		deliveries.Add(ctx, 1, attrs)
		return err
	}
}
