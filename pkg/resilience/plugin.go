package resilience

import (
	"context"
	"time"

	"github.com/openfroyo/sift/pkg/plugin"
)

// TimeoutClassifier bounds each Classify call with a deadline. The wrapped
// classifier must honor ctx for the deadline to take effect.
type TimeoutClassifier struct {
	plugin.Classifier
	timeout time.Duration
}

// WithClassifierTimeout wraps c. A non-positive timeout returns c unchanged.
func WithClassifierTimeout(c plugin.Classifier, timeout time.Duration) plugin.Classifier {
	if timeout <= 0 {
		return c
	}
	return &TimeoutClassifier{Classifier: c, timeout: timeout}
}

// Classify calls the wrapped classifier under a deadline.
func (t *TimeoutClassifier) Classify(ctx context.Context, e plugin.Entity, cctx plugin.ClassifyContext) (*plugin.ClassificationOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Classifier.Classify(ctx, e, cctx)
}

// TimeoutAction bounds each Handle call with a deadline.
type TimeoutAction struct {
	plugin.Action
	timeout time.Duration
}

// WithActionTimeout wraps a. A non-positive timeout returns a unchanged.
func WithActionTimeout(a plugin.Action, timeout time.Duration) plugin.Action {
	if timeout <= 0 {
		return a
	}
	return &TimeoutAction{Action: a, timeout: timeout}
}

// Handle calls the wrapped action under a deadline.
func (t *TimeoutAction) Handle(ctx context.Context, actx plugin.ActionContext) (plugin.ActionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Action.Handle(ctx, actx)
}
