// Package webhook defines the webhook registration record consumed by the
// delivery subsystem and the persistence boundary to the platform's
// registration layer.
//
// Registration CRUD (create/update/delete forms, auth, billing) lives
// outside this module; it writes webhook records through the Store
// interface and this subsystem reads them.
package webhook

import (
	"time"

	"github.com/substratehq/dispatch/catalog"
	"github.com/substratehq/dispatch/id"
	"github.com/substratehq/dispatch/internal/entity"
)

// Webhook is a registered subscriber endpoint for a project.
type Webhook struct {
	entity.Entity

	// ID is the unique TypeID for this webhook.
	ID id.ID `json:"id"`

	// ProjectID identifies the owning project.
	ProjectID string `json:"project_id"`

	// URL is the subscriber delivery URL.
	URL string `json:"url"`

	// Secret is the HMAC signing secret. Never serialized.
	Secret string `json:"-"`

	// EventTypes are patterns for event type subscriptions
	// (exact names or single-segment wildcards like "deployment.*").
	EventTypes []string `json:"event_types"`

	// Headers are custom HTTP headers sent with each delivery.
	Headers map[string]string `json:"headers,omitempty"`

	// Active indicates whether the webhook receives deliveries.
	// An inactive webhook is never selected at dispatch time, and
	// already-scheduled retries for it are dropped at sweep time.
	Active bool `json:"active"`

	// RateLimit is the maximum deliveries per second. 0 means unlimited.
	RateLimit int `json:"rate_limit"`

	// Policy governs automatic retries for this webhook's deliveries.
	Policy RetryPolicy `json:"retry_policy"`
}

// Subscribes reports whether this webhook is subscribed to the given
// event type.
func (w *Webhook) Subscribes(eventType string) bool {
	for _, pattern := range w.EventTypes {
		if catalog.Match(pattern, eventType) {
			return true
		}
	}
	return false
}

// RetryPolicy describes the exponential backoff applied to failed
// deliveries: delay n = min(InitialDelay * Multiplier^(n-1), MaxDelay).
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget, first attempt included.
	MaxAttempts int `json:"max_attempts"`

	// InitialDelay is the delay scheduled after the first failed attempt.
	InitialDelay time.Duration `json:"initial_delay"`

	// Multiplier is the backoff growth factor between attempts.
	Multiplier float64 `json:"multiplier"`

	// MaxDelay caps the computed delay regardless of attempt count.
	MaxDelay time.Duration `json:"max_delay"`
}

// DefaultRetryPolicy is applied to webhooks registered without an
// explicit policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:  5,
	InitialDelay: time.Second,
	Multiplier:   2,
	MaxDelay:     30 * time.Minute,
}

// Normalize fills zero policy fields from DefaultRetryPolicy.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultRetryPolicy.InitialDelay
	}
	if p.Multiplier <= 1 {
		p.Multiplier = DefaultRetryPolicy.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	return p
}

// ListOpts configures filtering and pagination for webhook listing.
type ListOpts struct {
	Offset int
	Limit  int
	Active *bool
}
