package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/sift/pkg/events"
	"github.com/openfroyo/sift/pkg/plugin"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// IngestEntity appends an entity to a domain's inbox. Re-ingesting an id that
// is already present is a no-op and reports inserted=false.
func (s *SQLiteStore) IngestEntity(ctx context.Context, domainID string, entity plugin.Entity) (int64, bool, error) {
	if domainID == "" {
		return 0, false, fmt.Errorf("domain id is required")
	}
	if entity.ID == "" {
		return 0, false, fmt.Errorf("entity id is required")
	}

	metadata, err := marshalJSON(entity.Metadata, "{}")
	if err != nil {
		return 0, false, fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `
		INSERT INTO entities (domain_id, entity_id, content, metadata, received_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (domain_id, entity_id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query, domainID, entity.ID, entity.Content, metadata, time.Now().UTC())
	if err != nil {
		return 0, false, fmt.Errorf("failed to ingest entity: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var seq int64
		err := s.db.QueryRowContext(ctx,
			`SELECT seq FROM entities WHERE domain_id = ? AND entity_id = ?`,
			domainID, entity.ID,
		).Scan(&seq)
		if err != nil {
			return 0, false, fmt.Errorf("failed to look up existing entity: %w", err)
		}
		return seq, false, nil
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get sequence: %w", err)
	}
	return seq, true, nil
}

// FetchEntities returns up to limit inbox rows for domainID with a sequence
// greater than afterSeq, oldest first.
func (s *SQLiteStore) FetchEntities(ctx context.Context, domainID string, afterSeq int64, limit int) ([]*StoredEntity, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT seq, domain_id, entity_id, content, metadata, received_at
		FROM entities
		WHERE domain_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, domainID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch entities: %w", err)
	}
	defer rows.Close()

	out := []*StoredEntity{}
	for rows.Next() {
		se := &StoredEntity{}
		var metadata string
		if err := rows.Scan(&se.Seq, &se.DomainID, &se.Entity.ID, &se.Entity.Content, &metadata, &se.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		if err := unmarshalJSON(metadata, &se.Entity.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for entity %s: %w", se.Entity.ID, err)
		}
		if len(se.Entity.Metadata) == 0 {
			se.Entity.Metadata = nil
		}
		out = append(out, se)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}

	return out, nil
}

// CountEntities returns the inbox size for domainID, or for all domains when empty.
func (s *SQLiteStore) CountEntities(ctx context.Context, domainID string) (int, error) {
	query := `SELECT COUNT(*) FROM entities`
	args := []any{}
	if domainID != "" {
		query += ` WHERE domain_id = ?`
		args = append(args, domainID)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}
	return n, nil
}

// AppendEvent journals an event. Events with an id already present are ignored.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event events.Event) error {
	if event.ID == "" {
		return fmt.Errorf("event id is required")
	}

	data, err := marshalJSON(event.Data, "{}")
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}

	query := `
		INSERT INTO events (id, type, correlation_id, domain_id, timestamp, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`

	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.Type,
		event.CorrelationID,
		event.Domain,
		event.Timestamp.UTC(),
		data,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents returns journaled events matching filter in emission order.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*EventRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, filter.CorrelationID)
	}
	if filter.DomainID != "" {
		where = append(where, "domain_id = ?")
		args = append(args, filter.DomainID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT seq, id, type, correlation_id, domain_id, timestamp, data FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	out := []*EventRecord{}
	for rows.Next() {
		rec := &EventRecord{}
		var data string
		err := rows.Scan(
			&rec.Seq,
			&rec.Event.ID,
			&rec.Event.Type,
			&rec.Event.CorrelationID,
			&rec.Event.Domain,
			&rec.Event.Timestamp,
			&data,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := unmarshalJSON(data, &rec.Event.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event %s: %w", rec.Event.ID, err)
		}
		if len(rec.Event.Data) == 0 {
			rec.Event.Data = nil
		}
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return out, nil
}

// UpsertTag stores a classification for an entity, keyed by domain, entity
// and type. Writing the same key again updates it in place.
func (s *SQLiteStore) UpsertTag(ctx context.Context, tag *Tag) error {
	if tag.DomainID == "" || tag.EntityID == "" || tag.Type == "" {
		return fmt.Errorf("domain id, entity id and type are required")
	}

	tags, err := marshalJSON(tag.Tags, "[]")
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO tags (domain_id, entity_id, type, confidence, tags, action_id, correlation_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain_id, entity_id, type) DO UPDATE SET
			confidence = excluded.confidence,
			tags = excluded.tags,
			action_id = excluded.action_id,
			correlation_id = excluded.correlation_id,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		tag.DomainID,
		tag.EntityID,
		tag.Type,
		tag.Confidence,
		tags,
		tag.ActionID,
		tag.CorrelationID,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tag: %w", err)
	}

	return nil
}

// GetTags returns every stored classification for an entity, ordered by type.
func (s *SQLiteStore) GetTags(ctx context.Context, domainID, entityID string) ([]*Tag, error) {
	query := `
		SELECT domain_id, entity_id, type, confidence, tags, action_id, correlation_id, created_at, updated_at
		FROM tags
		WHERE domain_id = ? AND entity_id = ?
		ORDER BY type ASC
	`

	rows, err := s.db.QueryContext(ctx, query, domainID, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tags: %w", err)
	}
	defer rows.Close()

	out := []*Tag{}
	for rows.Next() {
		t := &Tag{}
		var tags string
		err := rows.Scan(
			&t.DomainID,
			&t.EntityID,
			&t.Type,
			&t.Confidence,
			&tags,
			&t.ActionID,
			&t.CorrelationID,
			&t.CreatedAt,
			&t.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		if err := unmarshalJSON(tags, &t.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags: %w", err)
		}
		if len(t.Tags) == 0 {
			t.Tags = nil
		}
		out = append(out, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tags: %w", err)
	}

	return out, nil
}

// SaveCursor records that domainID's inbox has been consumed up to seq. The
// stored cursor never moves backwards.
func (s *SQLiteStore) SaveCursor(ctx context.Context, domainID string, seq int64) error {
	if domainID == "" {
		return fmt.Errorf("domain id is required")
	}

	query := `
		INSERT INTO cursors (domain_id, seq, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (domain_id) DO UPDATE SET
			seq = max(cursors.seq, excluded.seq),
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, domainID, seq, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// LoadCursor returns the stored cursor for domainID, or 0 when none was saved.
func (s *SQLiteStore) LoadCursor(ctx context.Context, domainID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM cursors WHERE domain_id = ?`, domainID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load cursor: %w", err)
	}
	return seq, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func marshalJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func unmarshalJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
