package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/substratehq/dispatch"
	"github.com/substratehq/dispatch/id"
	"github.com/substratehq/dispatch/internal/entity"
	"github.com/substratehq/dispatch/webhook"
)

// webhookModel is the Redis persistence shape for a webhook. The domain
// type never serializes the signing secret, so persistence needs its
// own model that does.
type webhookModel struct {
	ID         id.ID               `json:"id"`
	ProjectID  string              `json:"project_id"`
	URL        string              `json:"url"`
	Secret     string              `json:"secret"`
	EventTypes []string            `json:"event_types"`
	Headers    map[string]string   `json:"headers,omitempty"`
	Active     bool                `json:"active"`
	RateLimit  int                 `json:"rate_limit"`
	Policy     webhook.RetryPolicy `json:"retry_policy"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

func toWebhookModel(wh *webhook.Webhook) *webhookModel {
	return &webhookModel{
		ID:         wh.ID,
		ProjectID:  wh.ProjectID,
		URL:        wh.URL,
		Secret:     wh.Secret,
		EventTypes: wh.EventTypes,
		Headers:    wh.Headers,
		Active:     wh.Active,
		RateLimit:  wh.RateLimit,
		Policy:     wh.Policy,
		CreatedAt:  wh.CreatedAt,
		UpdatedAt:  wh.UpdatedAt,
	}
}

func (m *webhookModel) toWebhook() *webhook.Webhook {
	return &webhook.Webhook{
		Entity:     entity.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:         m.ID,
		ProjectID:  m.ProjectID,
		URL:        m.URL,
		Secret:     m.Secret,
		EventTypes: m.EventTypes,
		Headers:    m.Headers,
		Active:     m.Active,
		RateLimit:  m.RateLimit,
		Policy:     m.Policy,
	}
}

// PutWebhook creates or replaces a webhook registration.
func (s *Store) PutWebhook(ctx context.Context, wh *webhook.Webhook) error {
	wh.UpdatedAt = now()
	if wh.CreatedAt.IsZero() {
		wh.CreatedAt = wh.UpdatedAt
	}

	if err := s.setEntity(ctx, entityKey(prefixWebhook, wh.ID.String()), toWebhookModel(wh), 0); err != nil {
		return err
	}

	return s.rdb.ZAdd(ctx, zWebhookProject+wh.ProjectID, goredis.Z{
		Score:  scoreFromTime(wh.CreatedAt),
		Member: wh.ID.String(),
	}).Err()
}

// GetWebhook returns a webhook by ID.
func (s *Store) GetWebhook(ctx context.Context, whID id.ID) (*webhook.Webhook, error) {
	var m webhookModel
	if err := s.getEntity(ctx, entityKey(prefixWebhook, whID.String()), &m); err != nil {
		if isRedisNil(err) {
			return nil, dispatch.ErrWebhookNotFound
		}
		return nil, err
	}
	return m.toWebhook(), nil
}

// ListWebhooks returns webhooks for a project in registration order.
func (s *Store) ListWebhooks(ctx context.Context, projectID string, opts webhook.ListOpts) ([]*webhook.Webhook, error) {
	hooks, err := s.projectWebhooks(ctx, projectID)
	if err != nil {
		return nil, err
	}

	if opts.Active != nil {
		filtered := hooks[:0]
		for _, wh := range hooks {
			if wh.Active == *opts.Active {
				filtered = append(filtered, wh)
			}
		}
		hooks = filtered
	}

	return applyPagination(hooks, opts.Offset, opts.Limit), nil
}

// ResolveSubscribers finds all active webhooks of a project subscribed to
// an event type.
func (s *Store) ResolveSubscribers(ctx context.Context, projectID, eventType string) ([]*webhook.Webhook, error) {
	hooks, err := s.projectWebhooks(ctx, projectID)
	if err != nil {
		return nil, err
	}

	subscribers := make([]*webhook.Webhook, 0, len(hooks))
	for _, wh := range hooks {
		if wh.Active && wh.Subscribes(eventType) {
			subscribers = append(subscribers, wh)
		}
	}
	return subscribers, nil
}

// SetActive enables or disables a webhook without deleting it.
func (s *Store) SetActive(ctx context.Context, whID id.ID, active bool) error {
	wh, err := s.GetWebhook(ctx, whID)
	if err != nil {
		return err
	}
	wh.Active = active
	return s.PutWebhook(ctx, wh)
}

// projectWebhooks loads all webhooks of a project from the project index.
func (s *Store) projectWebhooks(ctx context.Context, projectID string) ([]*webhook.Webhook, error) {
	ids, err := s.rdb.ZRange(ctx, zWebhookProject+projectID, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	hooks := make([]*webhook.Webhook, 0, len(ids))
	for _, whID := range ids {
		var m webhookModel
		if err := s.getEntity(ctx, entityKey(prefixWebhook, whID), &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, err
		}
		hooks = append(hooks, m.toWebhook())
	}
	return hooks, nil
}
