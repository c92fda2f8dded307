package engine

import (
	"context"
	"fmt"
	"maps"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/sift/pkg/events"
	"github.com/openfroyo/sift/pkg/plugin"
	"github.com/openfroyo/sift/pkg/telemetry"
)

// Outcome describes one entity's pass through the pipeline.
type Outcome struct {
	CorrelationID string
	Entity        plugin.Entity

	// Classification is the winning output, nil when unclassified.
	Classification *plugin.ClassificationOutput

	// ClassifierID is the id of the classifier that produced the winner.
	ClassifierID string

	// Verdicts holds each classifier's output in registration order. Failed
	// or abstaining classifiers leave a nil entry.
	Verdicts []*plugin.ClassificationOutput

	// Results holds one entry per executed action, in registration order.
	Results []plugin.ActionResult

	// Err is set when an unexpected error aborted the pipeline.
	Err error
}

// Classified reports whether a classifier produced the winning classification.
func (o *Outcome) Classified() bool {
	return o.Classification != nil
}

// PollOnce runs a single poll cycle over every registered domain.
func (e *Engine) PollOnce(ctx context.Context) {
	domains := e.snapshot()
	if len(domains) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxConcurrentDomains)
	for _, rd := range domains {
		g.Go(func() error {
			e.pollDomain(ctx, rd)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) pollDomain(ctx context.Context, rd *registeredDomain) {
	d := rd.current()
	logger := e.logger.WithDomain(d.ID)

	var result plugin.FetchResult
	err := safeCall(func() error {
		var ferr error
		result, ferr = d.Provider.GetEntities(ctx, plugin.FetchOptions{
			Limit: e.cfg.BatchSize,
			Since: rd.lastCursor(),
		})
		return ferr
	})
	if err != nil {
		e.metrics.RecordProviderError(d.ID)
		perr := NewProviderError("fetch failed", err).
			WithDomain(d.ID).
			WithOperation("getEntities").
			WithCode(ErrCodeProviderFetch)
		logger.WithError(err).Warn("Provider fetch failed, skipping domain for this cycle")
		e.emit(events.Event{
			Type:   events.TypeEngineError,
			Domain: d.ID,
			Data: map[string]any{
				"operation": "getEntities",
				"error":     perr.Error(),
			},
		})
		return
	}

	if result.Cursor != "" {
		rd.setCursor(result.Cursor)
	}

	logger.WithFields(map[string]any{
		"count":    len(result.Entities),
		"has_more": result.HasMore,
	}).Debug("Fetched entities")

	for _, entity := range result.Entities {
		e.processEntity(ctx, &d, entity)
	}
}

// ProcessEntity runs one entity through the pipeline of a registered domain.
// It returns an error only when the domain is unknown; pipeline failures are
// reported on the Outcome and through a message:error event.
func (e *Engine) ProcessEntity(ctx context.Context, domainID string, entity plugin.Entity) (*Outcome, error) {
	d, ok := e.Domain(domainID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDomainNotFound, domainID)
	}
	return e.processEntity(ctx, &d, entity), nil
}

func (e *Engine) processEntity(ctx context.Context, d *plugin.Domain, entity plugin.Entity) (outcome *Outcome) {
	correlationID := e.newID()
	entity = entity.WithCorrelationID(correlationID)
	start := time.Now()

	outcome = &Outcome{CorrelationID: correlationID, Entity: entity}
	logger := e.logger.WithDomain(d.ID).WithCorrelationID(correlationID)

	ctx, span := e.tracer.StartEntitySpan(ctx, d.ID, entity.ID, correlationID)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			outcome.Err = NewPipelineError("entity processing panicked", fmt.Errorf("%v", r)).
				WithDomain(d.ID).
				WithCode(ErrCodePanic)
		}
		if outcome.Err != nil {
			telemetry.RecordError(span, outcome.Err)
			e.metrics.RecordEntityProcessed(d.ID, "error", time.Since(start))
			logger.WithError(outcome.Err).Error("Entity processing failed")
			e.emit(events.Event{
				Type:          events.TypeMessageError,
				Domain:        d.ID,
				CorrelationID: correlationID,
				Data: map[string]any{
					"entity_id": entity.ID,
					"error":     outcome.Err.Error(),
				},
			})
		}
	}()

	e.metrics.RecordEntityReceived(d.ID)
	e.emitEntity(d.ID, correlationID, events.TypeMessageReceived, map[string]any{
		"entity_id": entity.ID,
	})

	if err := ctx.Err(); err != nil {
		outcome.Err = NewPipelineError("context done before classification", err).
			WithDomain(d.ID).
			WithCode(ErrCodeCanceled)
		return outcome
	}

	winner, classifierID, verdicts := e.classify(ctx, d, entity, logger)
	outcome.Classification = winner
	outcome.ClassifierID = classifierID
	outcome.Verdicts = verdicts

	if winner == nil {
		e.metrics.RecordUnclassified(d.ID)
		e.emitEntity(d.ID, correlationID, events.TypeMessageUnclassified, map[string]any{
			"entity_id": entity.ID,
		})
	} else {
		span.SetAttributes(
			telemetry.AttrClassification.String(winner.Type),
			telemetry.AttrConfidence.Float64(winner.EffectiveConfidence()),
		)
		e.metrics.RecordClassification(d.ID, winner.Type)
		e.emitEntity(d.ID, correlationID, events.TypeMessageClassified, map[string]any{
			"entity_id":  entity.ID,
			"type":       winner.Type,
			"confidence": winner.EffectiveConfidence(),
			"tags":       winner.Tags,
			"classifier": classifierID,
		})
		outcome.Results = e.dispatch(ctx, d, entity, *winner, logger)
	}

	status := "unclassified"
	data := map[string]any{
		"entity_id":        entity.ID,
		"classified":       winner != nil,
		"actions_executed": len(outcome.Results),
	}
	if winner != nil {
		status = "classified"
		data["type"] = winner.Type
	}

	e.metrics.RecordEntityProcessed(d.ID, status, time.Since(start))
	telemetry.RecordSuccess(span)
	e.emitEntity(d.ID, correlationID, events.TypeMessageProcessed, data)

	return outcome
}

// classify runs every classifier in registration order and resolves the winner.
func (e *Engine) classify(
	ctx context.Context,
	d *plugin.Domain,
	entity plugin.Entity,
	logger *telemetry.Logger,
) (*plugin.ClassificationOutput, string, []*plugin.ClassificationOutput) {
	e.emitEntity(d.ID, entity.CorrelationID, events.TypeMessageClassifying, map[string]any{
		"entity_id":   entity.ID,
		"classifiers": len(d.Classifiers),
	})

	results := e.runClassifiers(ctx, d, entity, logger)
	winner, idx := Resolve(results)
	if idx < 0 {
		return nil, "", results
	}
	return winner, d.Classifiers[idx].ID(), results
}

func (e *Engine) runClassifiers(
	ctx context.Context,
	d *plugin.Domain,
	entity plugin.Entity,
	logger *telemetry.Logger,
) []*plugin.ClassificationOutput {
	results := make([]*plugin.ClassificationOutput, len(d.Classifiers))
	for i, c := range d.Classifiers {
		results[i] = e.invokeClassifier(ctx, d, c, entity, logger)
	}
	return results
}

// Classify runs a registered domain's classifiers on entity and resolves the
// winner without emitting events or dispatching actions.
func (e *Engine) Classify(ctx context.Context, domainID string, entity plugin.Entity) (*Outcome, error) {
	d, ok := e.Domain(domainID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDomainNotFound, domainID)
	}

	correlationID := e.newID()
	entity = entity.WithCorrelationID(correlationID)
	logger := e.logger.WithDomain(d.ID).WithCorrelationID(correlationID)

	results := e.runClassifiers(ctx, &d, entity, logger)
	outcome := &Outcome{CorrelationID: correlationID, Entity: entity, Verdicts: results}
	if winner, idx := Resolve(results); idx >= 0 {
		outcome.Classification = winner
		outcome.ClassifierID = d.Classifiers[idx].ID()
	}
	return outcome, nil
}

func (e *Engine) invokeClassifier(
	ctx context.Context,
	d *plugin.Domain,
	c plugin.Classifier,
	entity plugin.Entity,
	logger *telemetry.Logger,
) *plugin.ClassificationOutput {
	plog := logger.WithPlugin("classifier", c.ID())
	ctx, span := e.tracer.StartPluginSpan(ctx, "classifier", c.ID())
	defer span.End()

	var out *plugin.ClassificationOutput
	err := safeCall(func() error {
		var cerr error
		out, cerr = c.Classify(ctx, entity.Clone(), plugin.ClassifyContext{
			Config:  maps.Clone(d.Config),
			Logger:  plog.PluginLogger(),
			TraceID: entity.CorrelationID,
		})
		return cerr
	})
	if err == nil && out != nil {
		err = out.Validate()
	}
	if err != nil {
		perr := NewPluginError("classifier failed", err).
			WithDomain(d.ID).
			WithOperation(c.ID()).
			WithCode(ErrCodeClassifierFailed)
		telemetry.RecordError(span, perr)
		e.metrics.RecordPluginError(d.ID, "classifier", c.ID())
		plog.WithError(err).Warn("Classifier failed, treating as no opinion")
		return nil
	}

	if out == nil {
		return nil
	}
	// Copy so later stages cannot reach into the plugin's value.
	return copyOutput(out)
}

// dispatch runs every action whose bindings match the winner, in registration order.
func (e *Engine) dispatch(
	ctx context.Context,
	d *plugin.Domain,
	entity plugin.Entity,
	winner plugin.ClassificationOutput,
	logger *telemetry.Logger,
) []plugin.ActionResult {
	var results []plugin.ActionResult

	for _, a := range d.Actions {
		var bindings plugin.Bindings
		if err := safeCall(func() error { bindings = a.Bindings(); return nil }); err != nil {
			e.metrics.RecordPluginError(d.ID, "action", a.ID())
			logger.WithPlugin("action", a.ID()).WithError(err).Warn("Action bindings unavailable, skipping")
			continue
		}
		if !plugin.ShouldExecute(bindings, winner) {
			continue
		}

		e.emitEntity(d.ID, entity.CorrelationID, events.TypeMessageActionExecuting, map[string]any{
			"entity_id": entity.ID,
			"action":    a.ID(),
			"type":      winner.Type,
		})

		res := e.invokeAction(ctx, d, a, entity, winner, logger)
		results = append(results, res)
		e.metrics.RecordActionExecution(d.ID, a.ID(), res.Success)

		data := map[string]any{
			"entity_id": entity.ID,
			"action":    a.ID(),
			"success":   res.Success,
		}
		if res.Error != "" {
			data["error"] = res.Error
		}
		if res.Data != nil {
			data["data"] = res.Data
		}
		e.emitEntity(d.ID, entity.CorrelationID, events.TypeMessageActionExecuted, data)
	}

	return results
}

func (e *Engine) invokeAction(
	ctx context.Context,
	d *plugin.Domain,
	a plugin.Action,
	entity plugin.Entity,
	winner plugin.ClassificationOutput,
	logger *telemetry.Logger,
) plugin.ActionResult {
	plog := logger.WithPlugin("action", a.ID())
	ctx, span := e.tracer.StartPluginSpan(ctx, "action", a.ID())
	defer span.End()

	winner = *copyOutput(&winner)

	var res plugin.ActionResult
	err := safeCall(func() error {
		var aerr error
		res, aerr = a.Handle(ctx, plugin.ActionContext{
			Message:        entity.Clone(),
			Classification: winner,
			Config:         maps.Clone(d.Config),
			Logger:         plog.PluginLogger(),
			TraceID:        entity.CorrelationID,
		})
		return aerr
	})
	if res.PluginID == "" {
		res.PluginID = a.ID()
	}

	if err != nil {
		perr := NewPluginError("action failed", err).
			WithDomain(d.ID).
			WithOperation(a.ID()).
			WithCode(ErrCodeActionFailed)
		telemetry.RecordError(span, perr)
		e.metrics.RecordPluginError(d.ID, "action", a.ID())
		plog.WithError(err).Warn("Action failed")
		res.Success = false
		if res.Error == "" {
			res.Error = err.Error()
		}
		return res
	}

	if !res.Success {
		plog.WithField("error", res.Error).Warn("Action reported failure")
	}
	return res
}

func (e *Engine) emitEntity(domainID, correlationID, typ string, data map[string]any) {
	e.emit(events.Event{
		Type:          typ,
		Domain:        domainID,
		CorrelationID: correlationID,
		Data:          data,
	})
}

func copyOutput(c *plugin.ClassificationOutput) *plugin.ClassificationOutput {
	cp := *c
	if c.Confidence != nil {
		v := *c.Confidence
		cp.Confidence = &v
	}
	cp.Tags = append([]string(nil), c.Tags...)
	return &cp
}
