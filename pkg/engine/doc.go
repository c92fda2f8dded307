// Package engine runs the sift pipeline.
//
// An Engine owns a set of domains. Each poll cycle pulls a batch of entities
// from every domain's provider, runs all of the domain's classifiers on each
// entity, resolves a single winning classification and dispatches it to the
// actions bound to that classification type. Every stage is reported on the
// engine's event bus.
//
// Plugin failures never escape the pipeline. A classifier that errors or panics
// counts as having no opinion, a failing action yields an unsuccessful
// ActionResult, and a failing provider skips its domain for the current cycle.
package engine
