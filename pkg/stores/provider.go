package stores

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/openfroyo/sift/pkg/plugin"
)

// EntityProvider serves a domain's inbox as a plugin.Provider. The cursor is
// the sequence of the last entity returned.
//
// The consumed position is persisted in the store. A fetch with a non-empty
// Since acknowledges every entity up to that cursor, and Shutdown acknowledges
// the last batch returned. A fetch with an empty Since resumes from the
// persisted position, so a restarted engine does not replay the inbox.
type EntityProvider struct {
	store    *SQLiteStore
	domainID string

	mu   sync.Mutex
	last int64
}

var (
	_ plugin.Provider      = (*EntityProvider)(nil)
	_ plugin.Shutdowner    = (*EntityProvider)(nil)
	_ plugin.HealthChecker = (*EntityProvider)(nil)
)

// NewEntityProvider returns a provider over domainID's inbox rows.
func NewEntityProvider(store *SQLiteStore, domainID string) *EntityProvider {
	return &EntityProvider{store: store, domainID: domainID}
}

// GetEntities returns the next batch after opts.Since, or after the persisted
// cursor when Since is empty.
func (p *EntityProvider) GetEntities(ctx context.Context, opts plugin.FetchOptions) (plugin.FetchResult, error) {
	var after int64
	if opts.Since != "" {
		n, err := strconv.ParseInt(opts.Since, 10, 64)
		if err != nil {
			return plugin.FetchResult{}, fmt.Errorf("invalid cursor %q: %w", opts.Since, err)
		}
		if err := p.store.SaveCursor(ctx, p.domainID, n); err != nil {
			return plugin.FetchResult{}, err
		}
		after = n
	} else {
		n, err := p.store.LoadCursor(ctx, p.domainID)
		if err != nil {
			return plugin.FetchResult{}, err
		}
		after = n
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	// One extra row tells us whether more remain.
	rows, err := p.store.FetchEntities(ctx, p.domainID, after, limit+1)
	if err != nil {
		return plugin.FetchResult{}, err
	}

	res := plugin.FetchResult{Cursor: opts.Since}
	if after > 0 {
		res.Cursor = strconv.FormatInt(after, 10)
	}
	if len(rows) > limit {
		rows = rows[:limit]
		res.HasMore = true
	}

	res.Entities = make([]plugin.Entity, 0, len(rows))
	for _, r := range rows {
		res.Entities = append(res.Entities, r.Entity)
	}
	if len(rows) > 0 {
		last := rows[len(rows)-1].Seq
		res.Cursor = strconv.FormatInt(last, 10)

		p.mu.Lock()
		p.last = max(p.last, last)
		p.mu.Unlock()
	}

	return res, nil
}

// Shutdown persists the cursor of the last batch returned. The engine calls it
// after the in-flight poll cycle has finished processing that batch.
func (p *EntityProvider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	last := p.last
	p.mu.Unlock()

	if last == 0 {
		return nil
	}
	return p.store.SaveCursor(ctx, p.domainID, last)
}

// IsHealthy pings the underlying database.
func (p *EntityProvider) IsHealthy(ctx context.Context) bool {
	return p.store.HealthCheck(ctx) == nil
}
