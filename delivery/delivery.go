package delivery

import (
	"encoding/json"
	"time"

	"github.com/substratehq/dispatch/id"
	"github.com/substratehq/dispatch/internal/entity"
	"github.com/substratehq/dispatch/webhook"
)

// State represents the current state of a delivery.
type State string

const (
	// StatePending indicates the delivery is awaiting its first attempt.
	StatePending State = "pending"

	// StateAttempting indicates a worker has claimed the delivery and an
	// HTTP attempt is in flight.
	StateAttempting State = "attempting"

	// StateRetrying indicates a failed delivery scheduled for a future attempt.
	StateRetrying State = "retrying"

	// StateSucceeded indicates the delivery was accepted by the subscriber (terminal).
	StateSucceeded State = "succeeded"

	// StateExhausted indicates the delivery failed permanently: the attempt
	// budget ran out, the signing secret was missing, or the webhook was
	// disabled before a scheduled retry (terminal).
	StateExhausted State = "exhausted"
)

// Terminal reports whether the state admits no further attempts.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExhausted
}

// Attempt is one HTTP call made for a delivery. Attempts are append-only
// and strictly ordered by the store's atomic append.
type Attempt struct {
	// Timestamp is when the attempt started.
	Timestamp time.Time `json:"timestamp"`

	// StatusCode is the HTTP status received, or 0 when no response was
	// obtained (network failure, or the call was never made).
	StatusCode int `json:"status_code,omitempty"`

	// Success indicates a 2xx response.
	Success bool `json:"success"`

	// Error is the failure description, empty on success.
	Error string `json:"error,omitempty"`

	// Duration is how long the attempt took.
	Duration time.Duration `json:"duration"`
}

// Delivery is one logical notification instance: one fired event bound to
// one webhook, carried through one or more attempts.
type Delivery struct {
	entity.Entity

	// ID is the unique TypeID for this delivery.
	ID id.ID `json:"id"`

	// WebhookID references the target webhook.
	WebhookID id.ID `json:"webhook_id"`

	// ProjectID identifies the owning project.
	ProjectID string `json:"project_id"`

	// EventType is the fired event type name.
	EventType string `json:"event_type"`

	// Payload is the exact serialized body that is signed and transmitted.
	Payload json.RawMessage `json:"payload"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// AttemptCount is the number of attempts made so far.
	// Invariant: always equals len(Attempts).
	AttemptCount int `json:"attempt_count"`

	// MaxAttempts is the attempt budget, copied from the webhook's policy
	// at creation time so later policy edits do not affect in-flight
	// deliveries.
	MaxAttempts int `json:"max_attempts"`

	// NextAttemptAt is when the next attempt is due. Nil means the
	// delivery is not scheduled; terminal deliveries always have nil.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	// Succeeded is the terminal success flag.
	Succeeded bool `json:"succeeded"`

	// LastStatusCode is the HTTP status from the most recent attempt.
	LastStatusCode int `json:"last_status_code,omitempty"`

	// LastError is the error message from the most recent failed attempt.
	LastError string `json:"last_error,omitempty"`

	// PreviousDeliveryID links a manual redelivery back to the delivery it
	// replays. Automatic retries append attempts to the same record;
	// manual redelivery creates a new record with this back-reference.
	PreviousDeliveryID id.ID `json:"previous_delivery_id,omitempty"`

	// Attempts is the append-only attempt history.
	Attempts []Attempt `json:"attempts"`

	// CompletedAt is when the delivery reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates a pending delivery for a webhook, snapshotting the webhook's
// current attempt budget.
func New(wh *webhook.Webhook, projectID, eventType string, payload json.RawMessage) *Delivery {
	now := time.Now().UTC()
	return &Delivery{
		Entity:        entity.New(),
		ID:            id.NewDeliveryID(),
		WebhookID:     wh.ID,
		ProjectID:     projectID,
		EventType:     eventType,
		Payload:       payload,
		State:         StatePending,
		AttemptCount:  0,
		MaxAttempts:   wh.Policy.Normalize().MaxAttempts,
		NextAttemptAt: &now,
	}
}

// LastAttempt returns the most recent attempt, or nil if none were made.
func (d *Delivery) LastAttempt() *Attempt {
	if len(d.Attempts) == 0 {
		return nil
	}
	return &d.Attempts[len(d.Attempts)-1]
}

// StatusFilter selects deliveries by outcome for listing and export.
type StatusFilter string

const (
	// StatusAny disables outcome filtering.
	StatusAny StatusFilter = ""

	// StatusSucceeded selects terminally successful deliveries.
	StatusSucceeded StatusFilter = "succeeded"

	// StatusFailed selects terminally failed (exhausted) deliveries.
	StatusFailed StatusFilter = "failed"

	// StatusPending selects non-terminal deliveries.
	StatusPending StatusFilter = "pending"
)

// Matches reports whether a delivery passes the status filter.
func (f StatusFilter) Matches(d *Delivery) bool {
	switch f {
	case StatusSucceeded:
		return d.State == StateSucceeded
	case StatusFailed:
		return d.State == StateExhausted
	case StatusPending:
		return !d.State.Terminal()
	default:
		return true
	}
}

// Filter narrows delivery listings.
type Filter struct {
	Status    StatusFilter
	EventType string
	From      *time.Time
	To        *time.Time
}

// Matches reports whether a delivery passes every filter criterion.
func (f Filter) Matches(d *Delivery) bool {
	if !f.Status.Matches(d) {
		return false
	}
	if f.EventType != "" && d.EventType != f.EventType {
		return false
	}
	if f.From != nil && d.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && d.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

// Page is one page of a delivery listing, newest first.
type Page struct {
	Deliveries []*Delivery `json:"deliveries"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
}
