package plugin

import (
	"context"
	"testing"
)

func TestEffectiveConfidence(t *testing.T) {
	if got := Certain("spam").EffectiveConfidence(); got != 1.0 {
		t.Errorf("expected 1.0 for missing confidence, got %v", got)
	}
	if got := Classified("spam", 0.4).EffectiveConfidence(); got != 0.4 {
		t.Errorf("expected 0.4, got %v", got)
	}
}

func TestShouldExecute(t *testing.T) {
	bindings := Bindings{
		"spam":  MinConfidence(0.9),
		"promo": {},
	}

	tests := []struct {
		name string
		c    *ClassificationOutput
		want bool
	}{
		{"below threshold", Classified("spam", 0.85), false},
		{"equal to threshold", Classified("spam", 0.9), true},
		{"above threshold", Classified("spam", 0.95), true},
		{"no confidence counts as certain", Certain("spam"), true},
		{"no floor always runs", Classified("promo", 0.0), true},
		{"unbound type", Classified("ham", 1.0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldExecute(bindings, *tt.c); got != tt.want {
				t.Errorf("ShouldExecute() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassificationOutputValidate(t *testing.T) {
	if err := Classified("spam", 1.2).Validate(); err == nil {
		t.Error("expected error for confidence above 1")
	}
	if err := Classified("", 0.5).Validate(); err == nil {
		t.Error("expected error for empty type")
	}
	if err := Certain("spam").Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEntityCloneDoesNotShareMetadata(t *testing.T) {
	e := Entity{ID: "1", Content: "hi", Metadata: map[string]any{"sender": "alice"}}
	c := e.WithCorrelationID("abc")
	c.Metadata["sender"] = "mallory"

	if e.Metadata["sender"] != "alice" {
		t.Errorf("original metadata mutated: %v", e.Metadata)
	}
	if e.CorrelationID != "" {
		t.Errorf("original correlation id set: %q", e.CorrelationID)
	}
	if c.CorrelationID != "abc" {
		t.Errorf("expected correlation id abc, got %q", c.CorrelationID)
	}
}

type stubProvider struct{}

func (stubProvider) GetEntities(context.Context, FetchOptions) (FetchResult, error) {
	return FetchResult{}, nil
}

type stubClassifier struct{ id string }

func (s stubClassifier) ID() string { return s.id }
func (s stubClassifier) Classify(context.Context, Entity, ClassifyContext) (*ClassificationOutput, error) {
	return nil, nil
}

func TestDomainValidate(t *testing.T) {
	tests := []struct {
		name    string
		domain  Domain
		wantErr bool
	}{
		{"valid", Domain{ID: "sms", Name: "SMS", Provider: stubProvider{}}, false},
		{"missing id", Domain{Name: "SMS", Provider: stubProvider{}}, true},
		{"missing provider", Domain{ID: "sms", Name: "SMS"}, true},
		{
			"duplicate classifier",
			Domain{
				ID: "sms", Name: "SMS", Provider: stubProvider{},
				Classifiers: []Classifier{stubClassifier{"a"}, stubClassifier{"a"}},
			},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.domain.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAsClassifierAndAsAction(t *testing.T) {
	if _, ok := AsClassifier(stubClassifier{"a"}); !ok {
		t.Error("expected stubClassifier to satisfy Classifier")
	}
	if _, ok := AsClassifier(stubClassifier{}); ok {
		t.Error("expected classifier without id to be rejected")
	}
	if _, ok := AsAction(stubClassifier{"a"}); ok {
		t.Error("classifier must not satisfy Action")
	}
	if _, ok := AsClassifier("not a plugin"); ok {
		t.Error("string must not satisfy Classifier")
	}
}

type ptrPlugin struct{ id string }

func (p *ptrPlugin) ID() string { return p.id }

func (p *ptrPlugin) Classify(context.Context, Entity, ClassifyContext) (*ClassificationOutput, error) {
	return nil, nil
}

func (p *ptrPlugin) Bindings() Bindings { return nil }

func (p *ptrPlugin) Handle(context.Context, ActionContext) (ActionResult, error) {
	return ActionResult{}, nil
}

func TestAsClassifierAndAsAction_TypedNil(t *testing.T) {
	var typedNil *ptrPlugin

	tests := []struct {
		name string
		v    any
		want bool
	}{
		{name: "nil", v: nil, want: false},
		{name: "typed nil pointer", v: typedNil, want: false},
		{name: "pointer", v: &ptrPlugin{id: "p"}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := AsClassifier(tt.v); ok != tt.want {
				t.Errorf("AsClassifier() ok = %v, want %v", ok, tt.want)
			}
			if _, ok := AsAction(tt.v); ok != tt.want {
				t.Errorf("AsAction() ok = %v, want %v", ok, tt.want)
			}
		})
	}
}
