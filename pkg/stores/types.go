package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/openfroyo/sift/pkg/events"
	"github.com/openfroyo/sift/pkg/plugin"
)

// StoredEntity is an inbox row.
type StoredEntity struct {
	Seq        int64         `json:"seq"`
	DomainID   string        `json:"domain_id"`
	Entity     plugin.Entity `json:"entity"`
	ReceivedAt time.Time     `json:"received_at"`
}

// EventRecord is a journaled engine event.
type EventRecord struct {
	Seq   int64        `json:"seq"`
	Event events.Event `json:"event"`
}

// EventFilter narrows ListEvents. Empty fields match everything.
type EventFilter struct {
	Type          string
	CorrelationID string
	DomainID      string
	Since         time.Time
	Limit         int
	Offset        int
}

// Tag is the stored classification of one entity.
type Tag struct {
	DomainID      string    `json:"domain_id"`
	EntityID      string    `json:"entity_id"`
	Type          string    `json:"type"`
	Confidence    float64   `json:"confidence"`
	Tags          []string  `json:"tags,omitempty"`
	ActionID      string    `json:"action_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Inbox operations
	IngestEntity(ctx context.Context, domainID string, entity plugin.Entity) (int64, bool, error)
	FetchEntities(ctx context.Context, domainID string, afterSeq int64, limit int) ([]*StoredEntity, error)
	CountEntities(ctx context.Context, domainID string) (int, error)
	SaveCursor(ctx context.Context, domainID string, seq int64) error
	LoadCursor(ctx context.Context, domainID string) (int64, error)

	// Event operations
	AppendEvent(ctx context.Context, event events.Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*EventRecord, error)

	// Tag operations
	UpsertTag(ctx context.Context, tag *Tag) error
	GetTags(ctx context.Context, domainID, entityID string) ([]*Tag, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
