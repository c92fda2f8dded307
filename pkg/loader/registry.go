package loader

import (
	"context"
	"errors"
	"io"

	"github.com/openfroyo/sift/pkg/plugin"
)

// Registry is an ordered collection of loaded plugins.
type Registry struct {
	classifiers []plugin.Classifier
	actions     []plugin.Action
	byClass     map[string]plugin.Classifier
	byAction    map[string]plugin.Action
	closers     []io.Closer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byClass:  make(map[string]plugin.Classifier),
		byAction: make(map[string]plugin.Action),
	}
}

// Add registers v as a classifier, an action, or both. It reports whether v
// satisfied either contract. Values with an id already registered for the same
// role are ignored.
func (r *Registry) Add(v any) bool {
	added := false

	if c, ok := plugin.AsClassifier(v); ok {
		if _, dup := r.byClass[c.ID()]; !dup {
			r.classifiers = append(r.classifiers, c)
			r.byClass[c.ID()] = c
			added = true
		}
	}
	if a, ok := plugin.AsAction(v); ok {
		if _, dup := r.byAction[a.ID()]; !dup {
			r.actions = append(r.actions, a)
			r.byAction[a.ID()] = a
			added = true
		}
	}

	if c, ok := v.(io.Closer); ok && added {
		r.closers = append(r.closers, c)
	}

	return added
}

// Classifiers returns the classifiers in load order.
func (r *Registry) Classifiers() []plugin.Classifier {
	return append([]plugin.Classifier(nil), r.classifiers...)
}

// Actions returns the actions in load order.
func (r *Registry) Actions() []plugin.Action {
	return append([]plugin.Action(nil), r.actions...)
}

// Classifier looks up a classifier by id.
func (r *Registry) Classifier(id string) (plugin.Classifier, bool) {
	c, ok := r.byClass[id]
	return c, ok
}

// Action looks up an action by id.
func (r *Registry) Action(id string) (plugin.Action, bool) {
	a, ok := r.byAction[id]
	return a, ok
}

// Len returns the number of distinct plugins.
func (r *Registry) Len() int {
	return len(r.classifiers) + len(r.actions)
}

// Select returns the classifiers and actions whose ids are listed, in load
// order. An empty list selects everything.
func (r *Registry) Select(ids []string) ([]plugin.Classifier, []plugin.Action) {
	if len(ids) == 0 {
		return r.Classifiers(), r.Actions()
	}

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	var cs []plugin.Classifier
	for _, c := range r.classifiers {
		if want[c.ID()] {
			cs = append(cs, c)
		}
	}
	var as []plugin.Action
	for _, a := range r.actions {
		if want[a.ID()] {
			as = append(as, a)
		}
	}
	return cs, as
}

// Close releases plugins that hold resources, such as WASM runtimes.
func (r *Registry) Close(_ context.Context) error {
	var errs []error
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
