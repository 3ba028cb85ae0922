package service

import (
	"sync"
	"time"
)

// EventType identifies a lifecycle event emitted by the core.
type EventType string

const (
	EventCoreStarted EventType = "core_started"
	EventCoreStopped EventType = "core_stopped"

	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventStepFailed        EventType = "step_failed"

	EventTaskScheduled    EventType = "task_scheduled"
	EventTaskStarted      EventType = "task_started"
	EventTaskCompleted    EventType = "task_completed"
	EventTaskFailed       EventType = "task_failed"
	EventTaskCancelled    EventType = "task_cancelled"
	EventTaskRetrying     EventType = "task_retrying"
	EventTaskNotification EventType = "task_notification"

	EventMCPRegistered   EventType = "mcp_registered"
	EventMCPUnregistered EventType = "mcp_unregistered"
	EventMCPCallSuccess  EventType = "mcp_call_success"
	EventMCPCallError    EventType = "mcp_call_error"

	EventAlertCreated  EventType = "alert_created"
	EventAlertResolved EventType = "alert_resolved"
)

// Event is delivered to subscribers.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventHandler receives events. Handlers run synchronously on the emitting
// goroutine and must not block for long.
type EventHandler func(Event)

type subscriber struct {
	id      uint64
	handler EventHandler
}

// EventBus fans events out to handlers registered per event type.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscriber
	nextID   uint64
	logger   Logger
}

func NewEventBus(logger Logger) *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]subscriber),
		logger:   orNop(logger),
	}
}

// On registers handler for eventType and returns a function that removes it.
func (b *EventBus) On(eventType EventType, handler EventHandler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscriber{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers an event to every handler registered for its type.
// A panicking handler is logged and does not affect the others.
func (b *EventBus) Emit(eventType EventType, data map[string]interface{}) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := append([]subscriber(nil), b.handlers[eventType]...)
	b.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	ev := Event{Type: eventType, Timestamp: time.Now(), Data: data}
	for _, s := range subs {
		b.dispatch(s, ev)
	}
}

func (b *EventBus) dispatch(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("Event handler for %s panicked: %v", ev.Type, r)
		}
	}()
	s.handler(ev)
}
