package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/debtflow/internal/broker"
	"github.com/petrijr/debtflow/pkg/api"
)

const (
	DefaultConcurrency = 8
	DefaultMaxAttempts = 5
	DefaultLeaseTTL    = 30 * time.Second
)

// Config tunes a Worker. The zero value is usable.
type Config struct {
	// Concurrency is the number of deliveries handled at once.
	// Default DefaultConcurrency.
	Concurrency int

	// MaxAttempts is how many deliveries a message gets before it is
	// dead-lettered. Default DefaultMaxAttempts.
	MaxAttempts int

	// Backoff delays redelivery after a retryable failure.
	// Default DefaultBackoff.
	Backoff Backoff

	// LeaseTTL is how long a delivery stays hidden from other consumers.
	// The worker renews it while the handler runs. Default DefaultLeaseTTL.
	LeaseTTL time.Duration

	// Timeout bounds a single delivery's handling; 0 means none.
	Timeout time.Duration

	// Owner identifies this worker's leases. Default "worker-<uuid>".
	Owner string

	// DeadLetters receives messages that exhausted MaxAttempts, failed
	// permanently or could not be decoded. Nil drops them after logging.
	DeadLetters api.DeadLetterSink

	// Middleware wraps every delivery, outermost first.
	Middleware []Middleware

	Logger *slog.Logger
}

// Worker consumes one channel: it leases deliveries from the broker, runs
// the engine's stage for each and settles the delivery with Ack or Nack.
type Worker struct {
	engine  api.Engine
	broker  broker.Broker
	channel string
	stage   string

	cfg   Config
	chain Middleware
	log   *slog.Logger
}

// New creates a Worker for channel with default settings.
func New(engine api.Engine, b broker.Broker, channel string) (*Worker, error) {
	return NewWithConfig(engine, b, channel, Config{})
}

// NewWithConfig creates a Worker for channel. channel must be consumed by a
// stage of the engine's pipeline.
func NewWithConfig(engine api.Engine, b broker.Broker, channel string, cfg Config) (*Worker, error) {
	stage, ok := engine.Pipeline().StageFor(channel)
	if !ok {
		return nil, fmt.Errorf("worker: %w: %q", api.ErrUnknownChannel, channel)
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.Owner == "" {
		cfg.Owner = "worker-" + uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	mws := append([]Middleware(nil), cfg.Middleware...)
	if cfg.Timeout > 0 {
		mws = append(mws, Timeout(cfg.Timeout))
	}

	return &Worker{
		engine:  engine,
		broker:  b,
		channel: channel,
		stage:   stage.Name,
		cfg:     cfg,
		chain:   Chain(mws...),
		log:     cfg.Logger.With(slog.String("channel", channel), slog.String("stage", stage.Name)),
	}, nil
}

// Channel returns the channel this worker consumes.
func (w *Worker) Channel() string { return w.channel }

// ProcessOne leases a single delivery and handles it.
// Returns (processed, error):
//   - processed == false: nothing was leased; err is the receive error
//     (typically ctx's).
//   - processed == true: a delivery was handled and settled; err is the
//     handler's error, if any.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	return w.processOne(ctx, w.cfg.Owner)
}

func (w *Worker) processOne(ctx context.Context, owner string) (bool, error) {
	d, err := w.broker.Receive(ctx, w.channel, owner, w.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	return true, w.process(ctx, d)
}

// Run handles deliveries with cfg.Concurrency loops until ctx is done.
// Handler failures are settled and logged, never returned; Run only
// returns once every in-flight delivery has been settled.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := range w.cfg.Concurrency {
		owner := w.cfg.Owner
		if w.cfg.Concurrency > 1 {
			owner = fmt.Sprintf("%s-%d", w.cfg.Owner, i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx, owner)
		}()
	}
	wg.Wait()
	return nil
}

func (w *Worker) loop(ctx context.Context, owner string) {
	for ctx.Err() == nil {
		processed, err := w.processOne(ctx, owner)
		if processed || err == nil || ctx.Err() != nil {
			continue
		}
		// The broker itself failed; back off so a broken connection does
		// not spin.
		w.log.ErrorContext(ctx, "receive_failed", slog.Any("error", err))
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}
}

// process runs the handler chain for d and settles it. The returned error is
// the handler's; settlement failures are joined onto it.
func (w *Worker) process(ctx context.Context, d *broker.Delivery) error {
	stopRenew := w.keepLease(ctx, d)
	defer stopRenew()

	// Settle even if ctx was cancelled mid-handler, so the lease is released
	// promptly instead of waiting to expire.
	settleCtx := context.WithoutCancel(ctx)

	m, err := api.DecodeMessage(d.Payload)
	if err != nil {
		return errors.Join(err, w.deadLetter(settleCtx, d, api.Message{}, err))
	}

	job := &Job{Delivery: d, Stage: w.stage, Message: m}
	herr := w.chain(ctx, job, func(ctx context.Context) error {
		return w.engine.Handle(ctx, w.channel, m, d.Attempt)
	})

	switch {
	case herr == nil:
		return w.broker.Ack(settleCtx, w.channel, d.ID, d.Owner)

	case api.IsPermanent(herr) || d.Attempt >= w.cfg.MaxAttempts:
		return errors.Join(herr, w.deadLetter(settleCtx, d, m, herr))

	default:
		delay := w.cfg.Backoff.Delay(d.Attempt)
		w.log.WarnContext(ctx, "delivery_retry_scheduled",
			slog.String("delivery_id", d.ID),
			slog.Int64("entity_id", m.EntityID),
			slog.Int("attempt", d.Attempt),
			slog.Duration("backoff", delay),
			slog.Any("error", herr),
		)
		return errors.Join(herr, w.broker.Nack(settleCtx, w.channel, d.ID, d.Owner, time.Now().Add(delay)))
	}
}

// deadLetter hands d to the sink, then acknowledges it. If the sink fails the
// delivery is released for another attempt rather than lost.
func (w *Worker) deadLetter(ctx context.Context, d *broker.Delivery, m api.Message, cause error) error {
	w.log.ErrorContext(ctx, "delivery_dead_lettered",
		slog.String("delivery_id", d.ID),
		slog.Int64("entity_id", m.EntityID),
		slog.Int("attempt", d.Attempt),
		slog.Bool("permanent", api.IsPermanent(cause)),
		slog.Any("error", cause),
	)

	if w.cfg.DeadLetters != nil {
		dl := api.DeadLetter{
			Channel:  w.channel,
			Stage:    w.stage,
			Message:  m,
			Error:    cause.Error(),
			Attempts: d.Attempt,
			FailedAt: time.Now().UTC(),
		}
		if errors.Is(cause, api.ErrMalformedMessage) {
			dl.Raw = string(d.Payload)
		}
		if err := w.cfg.DeadLetters.DeadLetter(ctx, dl); err != nil {
			return errors.Join(
				fmt.Errorf("dead-letter delivery %s: %w", d.ID, err),
				w.broker.Nack(ctx, w.channel, d.ID, d.Owner, time.Now().Add(w.cfg.Backoff.Delay(d.Attempt))),
			)
		}
	}
	return w.broker.Ack(ctx, w.channel, d.ID, d.Owner)
}

// keepLease renews d's lease at a third of its TTL until the returned stop
// function is called.
func (w *Worker) keepLease(ctx context.Context, d *broker.Delivery) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		interval := max(w.cfg.LeaseTTL/3, 10*time.Millisecond)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := w.broker.RenewLease(ctx, w.channel, d.ID, d.Owner, w.cfg.LeaseTTL)
				if err == nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				w.log.WarnContext(ctx, "lease_renewal_failed",
					slog.String("delivery_id", d.ID),
					slog.Any("error", err),
				)
				if errors.Is(err, broker.ErrLeaseLost) {
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
