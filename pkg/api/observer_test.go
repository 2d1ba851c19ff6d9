package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

//
// Helpers
//

// testObserver counts every callback and remembers the last arguments.
type testObserver struct {
	mu sync.Mutex

	received    int
	missing     int
	pending     int
	completed   int
	failed      int
	published   int
	interrupted int

	lastStage    string
	lastChannel  string
	lastAttempt  int
	lastErr      error
	lastEntity   *Entity
	lastDuration time.Duration
}

func (o *testObserver) OnMessageReceived(ctx context.Context, stage string, m Message, attempt int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.received++
	o.lastStage = stage
	o.lastAttempt = attempt
}

func (o *testObserver) OnEntityMissing(ctx context.Context, stage string, m Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.missing++
}

func (o *testObserver) OnEntityPending(ctx context.Context, stage string, m Message, attempt int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending++
}

func (o *testObserver) OnStageCompleted(ctx context.Context, stage string, e *Entity, m Message, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed++
	o.lastEntity = e
	o.lastDuration = d
}

func (o *testObserver) OnStageFailed(ctx context.Context, stage string, m Message, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed++
	o.lastErr = err
}

func (o *testObserver) OnPublished(ctx context.Context, stage string, channel string, m Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.published++
	o.lastChannel = channel
}

func (o *testObserver) OnDelayInterrupted(ctx context.Context, stage string, m Message, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.interrupted++
}

// recordingHandler is a minimal slog.Handler that just records log records.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }

func (h *recordingHandler) WithGroup(name string) slog.Handler { return h }

func attrsToMap(r slog.Record) map[string]any {
	m := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func emitAll(o Observer) {
	ctx := context.Background()
	m := NewMessage(7)
	e := &Entity{ID: 7, DocumentHash: "d", Version: 2}

	o.OnMessageReceived(ctx, StageDocumentDone, m, 3)
	o.OnEntityMissing(ctx, StageDocumentDone, m)
	o.OnEntityPending(ctx, StageDocumentDone, m, 1, ErrEntityNotFound)
	o.OnStageCompleted(ctx, StageDocumentDone, e, m, 2*time.Second)
	o.OnStageFailed(ctx, StageDocumentDone, m, errors.New("boom"))
	o.OnPublished(ctx, StageDocumentDone, ChannelSignDocument, m)
	o.OnDelayInterrupted(ctx, StageDocumentDone, m, context.Canceled)
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	emitAll(NoopObserver{})
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	if o := NewCompositeObserver(nil, nil); o != (NoopObserver{}) {
		t.Fatalf("expected NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	if o := NewCompositeObserver(nil, single); o != Observer(single) {
		t.Fatalf("expected the single non-nil observer to be returned, got %T (%p)", o, o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	o1, o2 := &testObserver{}, &testObserver{}
	c, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	emitAll(c)

	for i, o := range []*testObserver{o1, o2} {
		if o.received != 1 || o.missing != 1 || o.pending != 1 || o.completed != 1 || o.failed != 1 || o.published != 1 || o.interrupted != 1 {
			t.Fatalf("observer %d did not receive all calls: %+v", i+1, o)
		}
		if o.lastStage != StageDocumentDone || o.lastAttempt != 3 {
			t.Fatalf("observer %d received stage=%q attempt=%d", i+1, o.lastStage, o.lastAttempt)
		}
		if o.lastChannel != ChannelSignDocument {
			t.Fatalf("observer %d published channel %q", i+1, o.lastChannel)
		}
		if o.lastEntity == nil || o.lastEntity.ID != 7 || o.lastDuration != 2*time.Second {
			t.Fatalf("observer %d completion mismatch: %v %v", i+1, o.lastEntity, o.lastDuration)
		}
		if o.lastErr == nil || o.lastErr.Error() != "boom" {
			t.Fatalf("observer %d failure error mismatch: %v", i+1, o.lastErr)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesDefault(t *testing.T) {
	lo, ok := NewLoggingObserver(nil).(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver")
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_LevelsAndMessages(t *testing.T) {
	h := &recordingHandler{}
	emitAll(NewLoggingObserver(slog.New(h)))

	want := []struct {
		msg   string
		level slog.Level
	}{
		{"message_received", slog.LevelInfo},
		{"entity_not_found", slog.LevelError},
		{"entity_pending", slog.LevelWarn},
		{"stage_completed", slog.LevelInfo},
		{"stage_failed", slog.LevelError},
		{"message_published", slog.LevelDebug},
		{"delay_interrupted", slog.LevelWarn},
	}
	if len(h.records) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(h.records))
	}
	for i, w := range want {
		rec := h.records[i]
		if rec.Message != w.msg || rec.Level != w.level {
			t.Fatalf("record %d: got %s/%v, want %s/%v", i, rec.Message, rec.Level, w.msg, w.level)
		}
		attrs := attrsToMap(rec)
		if attrs["stage"] != StageDocumentDone {
			t.Fatalf("record %d: stage=%v", i, attrs["stage"])
		}
		if attrs["entity_id"] != int64(7) {
			t.Fatalf("record %d: entity_id=%v", i, attrs["entity_id"])
		}
	}

	if attrs := attrsToMap(h.records[2]); attrs["attempt"] != int64(1) || attrs["error"] == nil {
		t.Fatalf("expected attempt and error on entity_pending, got %v", attrs)
	}
	if attrs := attrsToMap(h.records[4]); attrs["error"] == nil {
		t.Fatalf("expected error attribute on stage_failed")
	}
	if attrs := attrsToMap(h.records[5]); attrs["channel"] != ChannelSignDocument {
		t.Fatalf("expected channel attribute on message_published, got %v", attrs["channel"])
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_CountersAndSnapshot(t *testing.T) {
	var m BasicMetrics
	emitAll(&m)
	emitAll(&m)

	snap := m.Snapshot()
	if snap.MessagesReceived != 2 || snap.EntitiesMissing != 2 || snap.EntitiesPending != 2 || snap.StagesCompleted != 2 ||
		snap.StagesFailed != 2 || snap.MessagesPublished != 2 || snap.DelaysInterrupted != 2 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	if snap.AvgStageDuration != 2*time.Second {
		t.Fatalf("AvgStageDuration=%v, want 2s", snap.AvgStageDuration)
	}
}

func TestBasicMetrics_AverageOverStages(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()
	e := &Entity{ID: 1}

	m.OnStageCompleted(ctx, StageGenerateDocument, e, NewMessage(1), 1*time.Second)
	m.OnStageCompleted(ctx, StageDocumentDone, e, NewMessage(1), 3*time.Second)

	if got := m.Snapshot().AvgStageDuration; got != 2*time.Second {
		t.Fatalf("AvgStageDuration=%v, want 2s", got)
	}
}

func TestBasicMetrics_SnapshotZeroStagesHasZeroAverage(t *testing.T) {
	var m BasicMetrics
	snap := m.Snapshot()
	if snap.StagesCompleted != 0 || snap.AvgStageDuration != 0 {
		t.Fatalf("unexpected zero snapshot: %+v", snap)
	}
}
