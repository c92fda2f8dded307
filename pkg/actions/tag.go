package actions

import (
	"context"
	"fmt"

	"github.com/openfroyo/sift/pkg/plugin"
	"github.com/openfroyo/sift/pkg/stores"
)

// TagActionID is the id of the built-in tag action.
const TagActionID = "builtin:tag"

// TagWriter persists tags. *stores.SQLiteStore satisfies it.
type TagWriter interface {
	UpsertTag(ctx context.Context, tag *stores.Tag) error
}

// TagAction stores the winning classification for each entity it handles.
// Handling the same entity and type again updates the stored row.
type TagAction struct {
	store    TagWriter
	domainID string
	bindings plugin.Bindings
}

var _ plugin.Action = (*TagAction)(nil)

// NewTagAction returns a tag action that writes rows for domainID.
func NewTagAction(store TagWriter, domainID string, bindings plugin.Bindings) *TagAction {
	return &TagAction{store: store, domainID: domainID, bindings: bindings}
}

func (a *TagAction) ID() string   { return TagActionID }
func (a *TagAction) Name() string { return "tag" }

// Description describes the action for listings.
func (a *TagAction) Description() string {
	return "Stores the classification of each matching entity"
}

// Bindings returns the configured type bindings.
func (a *TagAction) Bindings() plugin.Bindings { return a.bindings }

// Handle upserts a tag row. A store failure is returned as an error so the
// engine reports it as an unsuccessful result.
func (a *TagAction) Handle(ctx context.Context, actx plugin.ActionContext) (plugin.ActionResult, error) {
	if actx.Message.ID == "" {
		return plugin.ActionResult{}, fmt.Errorf("entity id is required")
	}

	tag := &stores.Tag{
		DomainID:      a.domainID,
		EntityID:      actx.Message.ID,
		Type:          actx.Classification.Type,
		Confidence:    actx.Classification.EffectiveConfidence(),
		Tags:          actx.Classification.Tags,
		ActionID:      TagActionID,
		CorrelationID: actx.TraceID,
	}
	if err := a.store.UpsertTag(ctx, tag); err != nil {
		return plugin.ActionResult{}, fmt.Errorf("failed to tag entity %s: %w", actx.Message.ID, err)
	}

	return plugin.ActionResult{
		PluginID: TagActionID,
		Success:  true,
		Data: map[string]any{
			"entity_id": actx.Message.ID,
			"type":      tag.Type,
		},
	}, nil
}
