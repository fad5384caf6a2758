package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockEventEmitter implements EventEmitter for tests.
type mockEventEmitter struct {
	mu      sync.Mutex
	events  []*Event
	emitErr error
	delay   time.Duration
}

func (m *mockEventEmitter) Emit(ctx context.Context, event *Event) error {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.emitErr
}

func (m *mockEventEmitter) getEvents() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event(nil), m.events...)
}

// waitForEvents polls until n events were recorded or the deadline passes.
func waitForEvents(t *testing.T, m *mockEventEmitter, n int) []*Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ev := m.getEvents(); len(ev) >= n {
			return ev
		}
		time.Sleep(5 * time.Millisecond)
	}
	return m.getEvents()
}

func TestNewEvent(t *testing.T) {
	before := time.Now().UTC()
	ev := NewEvent(EventTransition, "r1")
	if ev.ID == "" {
		t.Error("ID should be set")
	}
	if ev.EventType != EventTransition || ev.ResultID != "r1" || ev.Source != Source {
		t.Errorf("event = %+v", ev)
	}
	if ev.CreatedAt.Before(before) {
		t.Errorf("CreatedAt = %v, want >= %v", ev.CreatedAt, before)
	}
	if other := NewEvent(EventTransition, "r1"); other.ID == ev.ID {
		t.Error("event ids should be unique")
	}
}

func TestEmitAsync_NilEmitter(t *testing.T) {
	// Should not panic
	EmitAsync(nil, context.Background(), NewEvent(EventTransition, "r1"))
}

func TestEmitAsync_NilEvent(t *testing.T) {
	emitter := &mockEventEmitter{}
	EmitAsync(emitter, context.Background(), nil)

	time.Sleep(10 * time.Millisecond)
	if events := emitter.getEvents(); len(events) != 0 {
		t.Errorf("expected 0 events, got %d", len(events))
	}
}

func TestEmitAsync_SuccessfulEmit(t *testing.T) {
	emitter := &mockEventEmitter{}
	event := NewEvent(EventTransition, "r1")
	event.FromState = "CODE_SENT"
	event.ToState = "VERIFYING"

	EmitAsync(emitter, context.Background(), event)

	events := waitForEvents(t, emitter, 1)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].ResultID != "r1" {
		t.Errorf("result id = %q, want r1", events[0].ResultID)
	}
	if events[0].ToState != "VERIFYING" {
		t.Errorf("to state = %q, want VERIFYING", events[0].ToState)
	}
}

func TestEmitAsync_UsesBackgroundContext(t *testing.T) {
	emitter := &mockEventEmitter{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	EmitAsync(emitter, ctx, NewEvent(EventTransition, "r1"))

	if events := waitForEvents(t, emitter, 1); len(events) != 1 {
		t.Errorf("expected 1 event (context.Background used), got %d", len(events))
	}
}

func TestEmitAsync_ErrorHandling(t *testing.T) {
	emitter := &mockEventEmitter{emitErr: errors.New("collector down")}

	// Should not panic on error
	EmitAsync(emitter, context.Background(), NewEvent(EventGuardRejected, "r1"))

	if events := waitForEvents(t, emitter, 1); len(events) != 1 {
		t.Errorf("expected 1 event, got %d", len(events))
	}
}

func TestEmitAsync_ConcurrentAccess(t *testing.T) {
	emitter := &mockEventEmitter{}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			EmitAsync(emitter, context.Background(), NewEvent(EventTransition, "r1"))
		}()
	}
	wg.Wait()

	if events := waitForEvents(t, emitter, 10); len(events) != 10 {
		t.Errorf("expected 10 events, got %d", len(events))
	}
}

func TestShutdownDrainDuration(t *testing.T) {
	if ShutdownDrainDuration < emitTimeout {
		t.Errorf("ShutdownDrainDuration = %v, must be >= %v", ShutdownDrainDuration, emitTimeout)
	}
}
