package plugin

import (
	"context"
	"reflect"
)

// Logger is the logging surface handed to plugins.
type Logger interface {
	Debug(msg string, data map[string]any)
	Info(msg string, data map[string]any)
	Warn(msg string, data map[string]any)
	Error(msg string, data map[string]any)
}

// ClassifyContext is passed to every classifier invocation.
type ClassifyContext struct {
	// Config is the domain-scoped configuration. Plugins must treat it as read-only.
	Config map[string]any

	// Logger is scoped to the domain and entity being processed.
	Logger Logger

	// TraceID is the entity's correlation id.
	TraceID string
}

// ActionContext is passed to every action invocation.
type ActionContext struct {
	Message        Entity
	Classification ClassificationOutput
	Config         map[string]any
	Logger         Logger
	TraceID        string
}

// Provider supplies entities for one domain.
//
// The engine treats every call as independent; cursoring is the provider's concern.
type Provider interface {
	GetEntities(ctx context.Context, opts FetchOptions) (FetchResult, error)
}

// Initializer is implemented by providers that need setup before the first fetch.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Shutdowner is implemented by providers that hold resources.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// HealthChecker is implemented by providers that can report their health.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// Classifier produces a classification for an entity.
//
// Classify must not have side effects and must not mutate the entity. A nil
// output with a nil error means "no opinion".
type Classifier interface {
	ID() string
	Classify(ctx context.Context, entity Entity, cctx ClassifyContext) (*ClassificationOutput, error)
}

// Action performs a side effect for classifications matching its bindings.
//
// Handle must be idempotent for a given entity and classification.
type Action interface {
	ID() string
	Bindings() Bindings
	Handle(ctx context.Context, actx ActionContext) (ActionResult, error)
}

// Describer exposes optional human-readable metadata.
type Describer interface {
	Name() string
	Description() string
}

// AsClassifier returns v as a Classifier if it satisfies the contract.
// Used at the dynamic-loading boundary where the shape of a value is not known statically.
func AsClassifier(v any) (Classifier, bool) {
	c, ok := v.(Classifier)
	if !ok || isNil(v) || c.ID() == "" {
		return nil, false
	}
	return c, true
}

// AsAction returns v as an Action if it satisfies the contract.
func AsAction(v any) (Action, bool) {
	a, ok := v.(Action)
	if !ok || isNil(v) || a.ID() == "" {
		return nil, false
	}
	return a, true
}

// isNil reports whether v is nil or a nil pointer, map, slice, func or chan
// wrapped in an interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// NameOf returns the human name of a plugin, falling back to its id.
func NameOf(v interface{ ID() string }) string {
	if d, ok := v.(Describer); ok && d.Name() != "" {
		return d.Name()
	}
	return v.ID()
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, map[string]any) {}
func (NopLogger) Info(string, map[string]any)  {}
func (NopLogger) Warn(string, map[string]any)  {}
func (NopLogger) Error(string, map[string]any) {}
