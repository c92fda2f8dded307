// Package events provides the in-process publish/subscribe hub the engine uses to
// report lifecycle and per-entity processing stages.
package events

import (
	"time"
)

// Event is an immutable observability record.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the event type, e.g. "message:classified".
	Type string `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// CorrelationID ties together every event of one entity's processing cycle.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Domain is the domain the event is scoped to, if any.
	Domain string `json:"domain,omitempty"`

	// Data contains additional event-specific data.
	Data map[string]any `json:"data,omitempty"`
}

// Wildcard subscribes to every event regardless of type.
const Wildcard = "*"

// Lifecycle event types.
const (
	TypeEngineStarting = "engine:starting"
	TypeEngineStarted  = "engine:started"
	TypeEngineStopping = "engine:stopping"
	TypeEngineStopped  = "engine:stopped"
	TypeEngineError    = "engine:error"
)

// Per-entity event types, listed in emission order.
const (
	TypeMessageReceived        = "message:received"
	TypeMessageClassifying     = "message:classifying"
	TypeMessageClassified      = "message:classified"
	TypeMessageUnclassified    = "message:unclassified"
	TypeMessageActionExecuting = "message:actionExecuting"
	TypeMessageActionExecuted  = "message:actionExecuted"
	TypeMessageProcessed       = "message:processed"
	TypeMessageError           = "message:error"
)

// Registry event types.
const (
	TypeDomainRegistered   = "domain:registered"
	TypeDomainUnregistered = "domain:unregistered"
	TypeDomainUpdated      = "domain:updated"
)

// Filter determines if an event should be delivered to a handler.
type Filter func(event Event) bool

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) Filter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByDomain creates a filter that only allows events for one domain.
func FilterByDomain(domain string) Filter {
	return func(event Event) bool {
		return event.Domain == domain
	}
}

// FilterByCorrelationID creates a filter that only allows events for one entity cycle.
func FilterByCorrelationID(id string) Filter {
	return func(event Event) bool {
		return event.CorrelationID == id
	}
}
