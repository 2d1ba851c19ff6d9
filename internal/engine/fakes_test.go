package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/debtflow/internal/persistence"
	"github.com/petrijr/debtflow/pkg/api"
)

type published struct {
	channel string
	payload []byte
	ctxErr  error
}

// recordingPublisher remembers every publish and can be told to fail.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{channel: channel, payload: payload, ctxErr: ctx.Err()})
	return nil
}

func (p *recordingPublisher) failWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

// countingStore wraps a store and counts writes.
type countingStore struct {
	persistence.EntityStore
	upserts atomic.Int64

	// beforeUpsert, if set, runs ahead of every upsert.
	beforeUpsert func(e *api.Entity)
	getErr       error
	upsertErr    error
}

func (s *countingStore) Get(ctx context.Context, id int64) (*api.Entity, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.EntityStore.Get(ctx, id)
}

func (s *countingStore) Upsert(ctx context.Context, e *api.Entity) (*api.Entity, error) {
	s.upserts.Add(1)
	if s.beforeUpsert != nil {
		s.beforeUpsert(e)
	}
	if s.upsertErr != nil {
		return nil, s.upsertErr
	}
	return s.EntityStore.Upsert(ctx, e)
}

type recordingSink struct {
	mu      sync.Mutex
	letters []api.DeadLetter
}

func (s *recordingSink) DeadLetter(ctx context.Context, dl api.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, dl)
	return nil
}

// flakySink fails its first failures writes, then records like
// recordingSink.
type flakySink struct {
	recordingSink
	failures int
}

func (s *flakySink) DeadLetter(ctx context.Context, dl api.DeadLetter) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("dead-letter store unavailable")
	}
	s.mu.Unlock()
	return s.recordingSink.DeadLetter(ctx, dl)
}

type delayFunc func(ctx context.Context) error

func (f delayFunc) Delay(ctx context.Context) error { return f(ctx) }

// logBuffer captures JSON log lines for assertions.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) records(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func (b *logBuffer) atLevel(t *testing.T, level string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, rec := range b.records(t) {
		if rec[slog.LevelKey] == level {
			out = append(out, rec)
		}
	}
	return out
}

type harness struct {
	engine    api.Engine
	mem       *persistence.InMemoryStore
	store     *countingStore
	publisher *recordingPublisher
	logs      *logBuffer
	metrics   *api.BasicMetrics
	sink      *recordingSink
}

type harnessOption func(*Config)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		mem:       persistence.NewInMemoryStore(),
		publisher: &recordingPublisher{},
		logs:      &logBuffer{},
		metrics:   &api.BasicMetrics{},
	}
	h.store = &countingStore{EntityStore: h.mem}

	logger := slog.New(slog.NewJSONHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	cfg := Config{
		Pipeline:  api.DefaultPipeline(),
		Store:     h.store,
		Publisher: h.publisher,
		Delayer:   api.NoDelay{},
		Observer:  api.NewCompositeObserver(api.NewLoggingObserver(logger), h.metrics),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if sink, ok := cfg.DeadLetters.(*recordingSink); ok {
		h.sink = sink
	}

	e, err := NewEngine(cfg)
	require.NoError(t, err)
	h.engine = e
	return h
}

// seed stores an entity directly, bypassing the write counter.
func (h *harness) seed(t *testing.T, e api.Entity) *api.Entity {
	t.Helper()
	stored, err := h.mem.Upsert(context.Background(), &e)
	require.NoError(t, err)
	return stored
}

func (h *harness) entity(t *testing.T, id int64) *api.Entity {
	t.Helper()
	e, err := h.mem.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}
