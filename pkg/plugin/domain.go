package plugin

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Domain is one provider with its classifiers and actions, registered together.
type Domain struct {
	ID          string   `validate:"required"`
	Name        string   `validate:"required"`
	Provider    Provider `validate:"-"`
	Classifiers []Classifier
	Actions     []Action
	Config      map[string]any
}

// Validate checks the registration for required fields and duplicate plugin ids.
func (d *Domain) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid domain %q: %w", d.ID, err)
	}
	if d.Provider == nil {
		return fmt.Errorf("invalid domain %q: provider is required", d.ID)
	}

	seen := make(map[string]bool, len(d.Classifiers))
	for i, c := range d.Classifiers {
		if c == nil {
			return fmt.Errorf("invalid domain %q: classifier %d is nil", d.ID, i)
		}
		if seen[c.ID()] {
			return fmt.Errorf("invalid domain %q: duplicate classifier id %q", d.ID, c.ID())
		}
		seen[c.ID()] = true
	}

	seen = make(map[string]bool, len(d.Actions))
	for i, a := range d.Actions {
		if a == nil {
			return fmt.Errorf("invalid domain %q: action %d is nil", d.ID, i)
		}
		if seen[a.ID()] {
			return fmt.Errorf("invalid domain %q: duplicate action id %q", d.ID, a.ID())
		}
		seen[a.ID()] = true
	}

	return nil
}
