package webhook

import (
	"context"

	"github.com/substratehq/dispatch/id"
)

// Store defines the persistence contract for webhook registrations.
// The platform's registration layer writes through PutWebhook and
// SetActive; the delivery subsystem only reads.
type Store interface {
	// PutWebhook creates or replaces a webhook registration.
	PutWebhook(ctx context.Context, wh *Webhook) error

	// GetWebhook returns a webhook by ID.
	GetWebhook(ctx context.Context, whID id.ID) (*Webhook, error)

	// ListWebhooks returns webhooks for a project, optionally filtered.
	ListWebhooks(ctx context.Context, projectID string, opts ListOpts) ([]*Webhook, error)

	// ResolveSubscribers finds all active webhooks of a project subscribed
	// to an event type. This is the hot path — called on every dispatch.
	ResolveSubscribers(ctx context.Context, projectID, eventType string) ([]*Webhook, error)

	// SetActive enables or disables a webhook without deleting it.
	SetActive(ctx context.Context, whID id.ID, active bool) error
}
