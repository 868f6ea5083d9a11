package service

import (
	"context"
	"sync"

	"tabflow/internal/logging"
)

// ─────────────────────────────────────────────────────────────
// EventEmitter: pass and run notifications
// ─────────────────────────────────────────────────────────────

// Event names emitted by PipelineService.
const (
	EventPassCompleted = "pipeline:pass-completed"
	EventRunFinished   = "pipeline:run-finished"
)

// EventEmitter receives pipeline notifications.
type EventEmitter interface {
	Emit(ctx context.Context, event string, data any)
}

// LogEmitter writes every event to the context logger at debug level.
type LogEmitter struct{}

func (LogEmitter) Emit(ctx context.Context, event string, data any) {
	logging.FromContext(ctx).Debug("event", "name", event, "data", data)
}

// MockEmitter is a test-friendly EventEmitter that records all calls.
type MockEmitter struct {
	mu     sync.Mutex
	Events []EmittedEvent
}

// EmittedEvent holds a single recorded emission for test assertions.
type EmittedEvent struct {
	Event string
	Data  any
}

func (m *MockEmitter) Emit(_ context.Context, event string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, EmittedEvent{Event: event, Data: data})
}

// Named returns the recorded events called name.
func (m *MockEmitter) Named(name string) []EmittedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EmittedEvent
	for _, e := range m.Events {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}
