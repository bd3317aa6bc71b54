package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Well-known event names.
const (
	MessageIncoming = "message:incoming"
	MessageResponse = "message:response"
	ApprovalRequest = "approval:request"
	ApprovalDecide  = "approval:decide"
)

const defaultMaxHistory = 200

// Event is what handlers receive. Payload is the exact value passed to Publish.
type Event struct {
	Name      string
	Payload   any
	Timestamp time.Time
}

// Handler is a callback for events.
type Handler func(Event)

// EventBus is a synchronous, process-local publish/subscribe hub keyed by event name.
// Handlers run in subscription order; a panicking handler does not stop its siblings.
type EventBus struct {
	mu         sync.RWMutex
	handlers   map[string][]subscription
	nextID     uint64
	logger     *slog.Logger
	history    []Event
	maxHistory int
}

type subscription struct {
	id      uint64
	handler Handler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]subscription),
		logger:     logger,
		maxHistory: defaultMaxHistory,
	}
}

// Subscribe registers handler for name and returns a function that removes
// exactly this registration. Calling it more than once is harmless.
func (eb *EventBus) Subscribe(name string, handler Handler) (unsubscribe func()) {
	eb.mu.Lock()
	eb.nextID++
	id := eb.nextID
	eb.handlers[name] = append(eb.handlers[name], subscription{id: id, handler: handler})
	eb.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { eb.remove(name, id) })
	}
}

func (eb *EventBus) remove(name string, id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	subs := eb.handlers[name]
	for i, s := range subs {
		if s.id == id {
			// Copy so a Publish iterating an older snapshot is unaffected.
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(eb.handlers, name)
			} else {
				eb.handlers[name] = next
			}
			return
		}
	}
}

// Publish invokes every handler currently registered for name.
// It does not wait for any asynchronous work the handlers start.
func (eb *EventBus) Publish(name string, payload any) {
	event := Event{Name: name, Payload: payload, Timestamp: time.Now()}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	subs := eb.handlers[name]
	eb.mu.Unlock()

	for _, s := range subs {
		eb.dispatch(event, s)
	}
}

func (eb *EventBus) dispatch(event Event, s subscription) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Name, "handler", s.id, "panic", r)
		}
	}()
	s.handler(event)
}

// HandlerCount reports how many handlers are registered for name.
func (eb *EventBus) HandlerCount(name string) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[name])
}

// Recent returns up to n of the most recently published events, oldest first.
func (eb *EventBus) Recent(n int) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if n <= 0 || n > len(eb.history) {
		n = len(eb.history)
	}
	out := make([]Event, n)
	copy(out, eb.history[len(eb.history)-n:])
	return out
}
