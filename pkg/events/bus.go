package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handler handles a delivered event.
type Handler func(event Event)

// Subscription is returned by Subscribe and Once.
type Subscription struct {
	bus     *Bus
	key     string
	handler Handler
	filter  Filter
	once    bool
	active  atomic.Bool
}

// Unsubscribe removes the subscription. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil || !s.active.Swap(false) {
		return
	}
	s.bus.remove(s)
}

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool {
	return s != nil && s.active.Load()
}

// Bus is a synchronous publish/subscribe hub keyed by event type.
//
// Emit delivers to type-specific handlers first, then to wildcard handlers, each
// in subscription order. The handler lists are snapshotted before delivery, so
// handlers may subscribe or unsubscribe while an event is being dispatched.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*Subscription
	logger   zerolog.Logger
}

// NewBus creates an empty bus that logs handler failures to logger.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]*Subscription),
		logger:   logger.With().Str("component", "event-bus").Logger(),
	}
}

// Subscribe registers handler for events of the given type, or Wildcard.
func (b *Bus) Subscribe(eventType string, handler Handler) *Subscription {
	return b.add(eventType, handler, nil, false)
}

// SubscribeFiltered registers handler for events of the given type that pass filter.
func (b *Bus) SubscribeFiltered(eventType string, handler Handler, filter Filter) *Subscription {
	return b.add(eventType, handler, filter, false)
}

// Once registers a handler that is removed after its first delivery.
func (b *Bus) Once(eventType string, handler Handler) *Subscription {
	return b.add(eventType, handler, nil, true)
}

func (b *Bus) add(eventType string, handler Handler, filter Filter, once bool) *Subscription {
	sub := &Subscription{
		bus:     b,
		key:     eventType,
		handler: handler,
		filter:  filter,
		once:    once,
	}
	sub.active.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], sub)

	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[sub.key]
	for i, s := range subs {
		if s == sub {
			// Copy instead of shifting in place so snapshots held by Emit stay intact.
			next := make([]*Subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.handlers, sub.key)
			} else {
				b.handlers[sub.key] = next
			}
			return
		}
	}
}

// Clear removes subscriptions for eventType. An empty type or Wildcard removes all.
func (b *Bus) Clear(eventType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if eventType == "" || eventType == Wildcard {
		for _, subs := range b.handlers {
			for _, s := range subs {
				s.active.Store(false)
			}
		}
		b.handlers = make(map[string][]*Subscription)
		return
	}

	for _, s := range b.handlers[eventType] {
		s.active.Store(false)
	}
	delete(b.handlers, eventType)
}

// SubscriberCount returns the number of handlers registered for eventType.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// Emit delivers event synchronously. ID and Timestamp are filled in when unset.
func (b *Bus) Emit(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	typed := b.handlers[event.Type]
	var wildcard []*Subscription
	if event.Type != Wildcard {
		wildcard = b.handlers[Wildcard]
	}
	b.mu.RUnlock()

	// Slices are replaced, never mutated, on unsubscribe, so these are stable snapshots.
	b.deliverAll(typed, event)
	b.deliverAll(wildcard, event)
}

func (b *Bus) deliverAll(subs []*Subscription, event Event) {
	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		if sub.once {
			if !sub.active.CompareAndSwap(true, false) {
				continue
			}
			b.remove(sub)
		} else if !sub.active.Load() {
			continue
		}
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event_type", event.Type).
				Str("subscription", sub.key).
				Interface("panic", r).
				Msg("Event handler failed")
		}
	}()
	sub.handler(event)
}
