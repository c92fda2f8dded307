package actions

import (
	"context"

	"github.com/openfroyo/sift/pkg/plugin"
)

// LogActionID is the id of the built-in log action.
const LogActionID = "builtin:log"

// LogAction writes the winning classification to the per-entity logger.
type LogAction struct {
	bindings plugin.Bindings
}

var _ plugin.Action = (*LogAction)(nil)

// NewLogAction returns a log action bound to the given types.
func NewLogAction(bindings plugin.Bindings) *LogAction {
	return &LogAction{bindings: bindings}
}

func (a *LogAction) ID() string   { return LogActionID }
func (a *LogAction) Name() string { return "log" }

// Description describes the action for listings.
func (a *LogAction) Description() string {
	return "Logs the classification of each matching entity"
}

// Bindings returns the configured type bindings.
func (a *LogAction) Bindings() plugin.Bindings { return a.bindings }

// Handle logs at info level and always succeeds.
func (a *LogAction) Handle(_ context.Context, actx plugin.ActionContext) (plugin.ActionResult, error) {
	data := map[string]any{
		"entity_id":  actx.Message.ID,
		"type":       actx.Classification.Type,
		"confidence": actx.Classification.EffectiveConfidence(),
	}
	if len(actx.Classification.Tags) > 0 {
		data["tags"] = actx.Classification.Tags
	}

	if actx.Logger != nil {
		actx.Logger.Info("Entity classified", data)
	}

	return plugin.ActionResult{PluginID: LogActionID, Success: true, Data: data}, nil
}
