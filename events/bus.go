package events

import (
	"fmt"
	"sync"

	"github.com/signalbridge/actioncore/core"
)

// Handler receives a typed payload for one event name. The payload's concrete
// type is fixed per event name (see events.go); handlers assert accordingly.
type Handler func(payload interface{})

// Subscription identifies one registered handler for removal
type Subscription struct {
	name Name
	id   int
}

// Bus is an in-process publish/subscribe hub for the core's boundary events.
// Publish is synchronous by default; async subscribers get their own
// goroutine per delivery. Handler panics are recovered and logged so one
// consumer cannot take down the publisher.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Name]map[int]subscriber
	logger core.Logger
}

type subscriber struct {
	handler Handler
	async   bool
}

// BusOption configures optional dependencies for the bus
type BusOption func(*Bus)

// WithBusLogger sets the logger for handler panic reporting
func WithBusLogger(logger core.Logger) BusOption {
	return func(b *Bus) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			b.logger = cal.WithComponent("actioncore/events")
		} else {
			b.logger = logger
		}
	}
}

// NewBus creates an event bus
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:   make(map[Name]map[int]subscriber),
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler invoked on the publisher goroutine
func (b *Bus) Subscribe(name Name, handler Handler) Subscription {
	return b.subscribe(name, handler, false)
}

// SubscribeAsync registers a handler invoked on its own goroutine per event
func (b *Bus) SubscribeAsync(name Name, handler Handler) Subscription {
	return b.subscribe(name, handler, true)
}

func (b *Bus) subscribe(name Name, handler Handler, async bool) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	if b.subs[name] == nil {
		b.subs[name] = make(map[int]subscriber)
	}
	b.subs[name][b.nextID] = subscriber{handler: handler, async: async}
	return Subscription{name: name, id: b.nextID}
}

// Unsubscribe removes a handler; late events already in flight may still land
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if handlers, ok := b.subs[sub.name]; ok {
		delete(handlers, sub.id)
	}
}

// Publish delivers the payload to every subscriber of the event name
func (b *Bus) Publish(name Name, payload interface{}) {
	b.mu.RLock()
	handlers := make([]subscriber, 0, len(b.subs[name]))
	for _, s := range b.subs[name] {
		handlers = append(handlers, s)
	}
	b.mu.RUnlock()

	for _, s := range handlers {
		if s.async {
			go b.deliver(name, s.handler, payload)
		} else {
			b.deliver(name, s.handler, payload)
		}
	}
}

func (b *Bus) deliver(name Name, handler Handler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panic", map[string]interface{}{
				"operation": "event_handler_panic",
				"event":     string(name),
				"panic":     fmt.Sprintf("%v", r),
			})
		}
	}()
	handler(payload)
}
