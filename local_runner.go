package debtflow

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/debtflow/internal/broker"
	"github.com/petrijr/debtflow/internal/persistence"
)

// LocalRunner bundles an in-memory store, an in-memory broker, the engine
// and one worker per channel to provide a simple "local runner" for
// development and debugging.
//
// Typical usage:
//
//	runner, _ := debtflow.NewLocalRunner(debtflow.Options{})
//	_ = runner.Start(ctx)
//	defer runner.Stop()
//
//	e, _ := runner.CreateEntity(ctx)
//	_ = runner.StartWorkflow(ctx, e.ID, nil)
//	done, err := runner.WaitForCompletion(ctx, e.ID)
type LocalRunner struct {
	*WorkerBundle

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner over in-memory backends.
//
// This is intended for local development, tests and single-process demos.
func NewLocalRunner(opts Options) (*LocalRunner, error) {
	wb, err := NewBundle(persistence.NewInMemoryStore(), broker.NewInMemoryBroker(), opts)
	if err != nil {
		return nil, err
	}
	return &LocalRunner{WorkerBundle: wb}, nil
}

// Start runs the workers in the background until Stop is called or ctx is
// cancelled.
//
// If Start is called more than once without Stop, it returns an error.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("debtflow: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.Run(ctx)
	}()

	return nil
}

// Stop cancels the workers started by Start and waits for in-flight
// deliveries to settle.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
