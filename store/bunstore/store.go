// Package bunstore provides a SQL Store implementation using the Bun ORM.
// It supports Postgres and SQLite; delivery claiming uses FOR UPDATE SKIP
// LOCKED on Postgres and falls back to a plain transaction on SQLite.
package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/substratehq/dispatch"
	"github.com/substratehq/dispatch/catalog"
	"github.com/substratehq/dispatch/id"
	dispatchstore "github.com/substratehq/dispatch/store"
	"github.com/substratehq/dispatch/webhook"
)

// compile-time interface check
var _ dispatchstore.Store = (*Store)(nil)

// Store implements store.Store using the Bun ORM.
type Store struct {
	db *bun.DB
}

// New creates a new Bun-backed store.
func New(db *bun.DB) *Store {
	return &Store{db: db}
}

// OpenPostgres wraps an existing Postgres connection pool.
func OpenPostgres(sqldb *sql.DB) *Store {
	return New(bun.NewDB(sqldb, pgdialect.New()))
}

// OpenSQLite wraps an existing SQLite connection.
func OpenSQLite(sqldb *sql.DB) *Store {
	return New(bun.NewDB(sqldb, sqlitedialect.New()))
}

// DB returns the underlying Bun database for direct access.
func (s *Store) DB() *bun.DB { return s.db }

// Migrate creates the required tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	models := []any{
		(*eventTypeModel)(nil),
		(*webhookModel)(nil),
		(*deliveryModel)(nil),
		(*attemptModel)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx); err != nil {
			return err
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_dispatch_deliveries_due ON dispatch_deliveries (next_attempt_at) WHERE state IN ('pending', 'retrying')",
		"CREATE INDEX IF NOT EXISTS idx_dispatch_deliveries_webhook ON dispatch_deliveries (webhook_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_dispatch_attempts_delivery ON dispatch_delivery_attempts (delivery_id)",
		"CREATE INDEX IF NOT EXISTS idx_dispatch_webhooks_project ON dispatch_webhooks (project_id)",
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}

	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Catalog store ====================

// RegisterType creates or updates an event type. Re-registering by name
// keeps the original row ID and creation time.
func (s *Store) RegisterType(ctx context.Context, et *catalog.EventType) error {
	existing, err := s.GetType(ctx, et.Definition.Name)
	switch {
	case err == nil:
		et.ID = existing.ID
		et.CreatedAt = existing.CreatedAt
	case !errors.Is(err, dispatch.ErrEventTypeNotFound):
		return err
	}

	et.UpdatedAt = time.Now().UTC()

	m := toEventTypeModel(et)
	_, err = s.db.NewInsert().
		Model(m).
		On("CONFLICT (name) DO UPDATE").
		Set("description = EXCLUDED.description").
		Set("group_name = EXCLUDED.group_name").
		Set("schema = EXCLUDED.schema").
		Set("schema_version = EXCLUDED.schema_version").
		Set("version = EXCLUDED.version").
		Set("example = EXCLUDED.example").
		Set("metadata = EXCLUDED.metadata").
		Set("is_deprecated = false").
		Set("deprecated_at = NULL").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// GetType returns an event type by name.
func (s *Store) GetType(ctx context.Context, name string) (*catalog.EventType, error) {
	m := new(eventTypeModel)
	err := s.db.NewSelect().
		Model(m).
		Where("name = ?", name).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dispatch.ErrEventTypeNotFound
		}
		return nil, err
	}
	return fromEventTypeModel(m)
}

// GetTypeByID returns an event type by its TypeID.
func (s *Store) GetTypeByID(ctx context.Context, etID id.ID) (*catalog.EventType, error) {
	m := new(eventTypeModel)
	err := s.db.NewSelect().
		Model(m).
		Where("id = ?", etID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dispatch.ErrEventTypeNotFound
		}
		return nil, err
	}
	return fromEventTypeModel(m)
}

// ListTypes returns registered event types ordered by registration time.
func (s *Store) ListTypes(ctx context.Context, opts catalog.ListOpts) ([]*catalog.EventType, error) {
	var models []eventTypeModel
	q := s.db.NewSelect().Model(&models)

	if opts.Group != "" {
		q = q.Where("group_name = ?", opts.Group)
	}
	if !opts.IncludeDeprecated {
		q = q.Where("is_deprecated = false")
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.Order("created_at ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*catalog.EventType, len(models))
	for i := range models {
		et, err := fromEventTypeModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = et
	}
	return result, nil
}

// DeleteType soft-deletes (deprecates) an event type.
func (s *Store) DeleteType(ctx context.Context, name string) error {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().
		Model((*eventTypeModel)(nil)).
		Set("is_deprecated = true").
		Set("deprecated_at = ?", now).
		Set("updated_at = ?", now).
		Where("name = ?", name).
		Where("is_deprecated = false").
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return dispatch.ErrEventTypeNotFound
	}
	return nil
}

// ==================== Webhook store ====================

// PutWebhook creates or replaces a webhook registration.
func (s *Store) PutWebhook(ctx context.Context, wh *webhook.Webhook) error {
	wh.UpdatedAt = time.Now().UTC()
	if wh.CreatedAt.IsZero() {
		wh.CreatedAt = wh.UpdatedAt
	}

	m, err := toWebhookModel(wh)
	if err != nil {
		return err
	}

	_, err = s.db.NewInsert().
		Model(m).
		On("CONFLICT (id) DO UPDATE").
		Set("project_id = EXCLUDED.project_id").
		Set("url = EXCLUDED.url").
		Set("secret = EXCLUDED.secret").
		Set("event_types = EXCLUDED.event_types").
		Set("headers = EXCLUDED.headers").
		Set("active = EXCLUDED.active").
		Set("rate_limit = EXCLUDED.rate_limit").
		Set("retry_policy = EXCLUDED.retry_policy").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// GetWebhook returns a webhook by ID.
func (s *Store) GetWebhook(ctx context.Context, whID id.ID) (*webhook.Webhook, error) {
	m := new(webhookModel)
	err := s.db.NewSelect().
		Model(m).
		Where("id = ?", whID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dispatch.ErrWebhookNotFound
		}
		return nil, err
	}
	return fromWebhookModel(m)
}

// ListWebhooks returns webhooks for a project in registration order.
func (s *Store) ListWebhooks(ctx context.Context, projectID string, opts webhook.ListOpts) ([]*webhook.Webhook, error) {
	var models []webhookModel
	q := s.db.NewSelect().Model(&models).Where("project_id = ?", projectID)

	if opts.Active != nil {
		q = q.Where("active = ?", *opts.Active)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.Order("created_at ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*webhook.Webhook, len(models))
	for i := range models {
		wh, err := fromWebhookModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = wh
	}
	return result, nil
}

// ResolveSubscribers finds all active webhooks of a project subscribed to
// an event type. Pattern matching happens in Go; the query only narrows
// by project and active flag.
func (s *Store) ResolveSubscribers(ctx context.Context, projectID, eventType string) ([]*webhook.Webhook, error) {
	var models []webhookModel
	if err := s.db.NewSelect().
		Model(&models).
		Where("project_id = ?", projectID).
		Where("active = true").
		Scan(ctx); err != nil {
		return nil, err
	}

	var result []*webhook.Webhook
	for i := range models {
		wh, err := fromWebhookModel(&models[i])
		if err != nil {
			return nil, err
		}
		if wh.Subscribes(eventType) {
			result = append(result, wh)
		}
	}
	return result, nil
}

// SetActive enables or disables a webhook without deleting it.
func (s *Store) SetActive(ctx context.Context, whID id.ID, active bool) error {
	res, err := s.db.NewUpdate().
		Model((*webhookModel)(nil)).
		Set("active = ?", active).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", whID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return dispatch.ErrWebhookNotFound
	}
	return nil
}
