// Package plugin defines the contracts between the sift engine and its plugins:
// entity providers, classifiers and actions.
package plugin

import (
	"fmt"
	"maps"
)

// Entity is a single record flowing through the pipeline.
type Entity struct {
	// ID uniquely identifies the entity within its provider.
	ID string `json:"id" yaml:"id"`

	// Content is the primary textual payload that classifiers inspect.
	Content string `json:"content" yaml:"content"`

	// Metadata carries opaque, domain-specific fields (sender, timestamps, ...).
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// CorrelationID is assigned by the engine when the entity is received.
	CorrelationID string `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`
}

// Clone returns a copy of the entity whose metadata map is not shared with e.
func (e Entity) Clone() Entity {
	out := e
	if e.Metadata != nil {
		out.Metadata = maps.Clone(e.Metadata)
	}
	return out
}

// WithCorrelationID returns a copy of the entity carrying the given correlation id.
func (e Entity) WithCorrelationID(id string) Entity {
	out := e.Clone()
	out.CorrelationID = id
	return out
}

// MetadataString returns the metadata value for key when it is a string.
func (e Entity) MetadataString(key string) (string, bool) {
	v, ok := e.Metadata[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ClassificationOutput is a classifier's verdict for one entity.
type ClassificationOutput struct {
	// Type is the routing key matched against action bindings.
	Type string `json:"type" yaml:"type"`

	// Confidence is in [0,1]. Nil means a hard rule and counts as 1.0.
	Confidence *float64 `json:"confidence,omitempty" yaml:"confidence,omitempty"`

	// Tags are informational only and never used for routing.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Classified returns an output with an explicit confidence.
func Classified(typ string, confidence float64) *ClassificationOutput {
	return &ClassificationOutput{Type: typ, Confidence: &confidence}
}

// Certain returns an output without a confidence, i.e. a hard rule.
func Certain(typ string) *ClassificationOutput {
	return &ClassificationOutput{Type: typ}
}

// EffectiveConfidence returns the confidence, defaulting to 1.0 when absent.
func (c ClassificationOutput) EffectiveConfidence() float64 {
	if c.Confidence == nil {
		return 1.0
	}
	return *c.Confidence
}

// Validate reports whether the output is usable for routing.
func (c ClassificationOutput) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("classification type is required")
	}
	if c.Confidence != nil && (*c.Confidence < 0 || *c.Confidence > 1) {
		return fmt.Errorf("confidence must be between 0 and 1, got %v", *c.Confidence)
	}
	return nil
}

// ActionBinding declares an action's interest in one classification type.
type ActionBinding struct {
	// MinConfidence is the inclusive floor. Nil means 0.0.
	MinConfidence *float64 `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty"`
}

// Threshold returns the effective minimum confidence.
func (b ActionBinding) Threshold() float64 {
	if b.MinConfidence == nil {
		return 0.0
	}
	return *b.MinConfidence
}

// MinConfidence builds a binding with the given floor.
func MinConfidence(v float64) ActionBinding {
	return ActionBinding{MinConfidence: &v}
}

// Bindings maps classification types to bindings.
type Bindings map[string]ActionBinding

// ShouldExecute reports whether an action with the given bindings runs for c.
func ShouldExecute(bindings Bindings, c ClassificationOutput) bool {
	b, ok := bindings[c.Type]
	if !ok {
		return false
	}
	return c.EffectiveConfidence() >= b.Threshold()
}

// ActionResult is what an action reports after handling an entity.
type ActionResult struct {
	PluginID string         `json:"plugin_id"`
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// FetchOptions bounds a provider pull.
type FetchOptions struct {
	// Limit bounds the batch size. Zero lets the provider choose.
	Limit int

	// Since is an opaque cursor hint, usually the cursor of the previous result.
	Since string
}

// FetchResult is one batch of entities returned by a provider.
type FetchResult struct {
	Entities []Entity
	Cursor   string
	HasMore  bool
}
