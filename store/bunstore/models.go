package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/substratehq/dispatch/catalog"
	"github.com/substratehq/dispatch/delivery"
	"github.com/substratehq/dispatch/id"
	"github.com/substratehq/dispatch/internal/entity"
	"github.com/substratehq/dispatch/webhook"
)

// Composite fields (subscriptions, headers, retry policy, metadata) are
// stored as JSON columns so the same models work on Postgres and SQLite.

// --- Event type model ---

type eventTypeModel struct {
	bun.BaseModel `bun:"table:dispatch_event_types,alias:et"`

	ID            string            `bun:"id,pk"`
	Name          string            `bun:"name,unique,notnull"`
	Description   string            `bun:"description"`
	GroupName     string            `bun:"group_name"`
	Schema        json.RawMessage   `bun:"schema,type:jsonb,nullzero"`
	SchemaVersion string            `bun:"schema_version"`
	Version       string            `bun:"version"`
	Example       json.RawMessage   `bun:"example,type:jsonb,nullzero"`
	IsDeprecated  bool              `bun:"is_deprecated"`
	DeprecatedAt  *time.Time        `bun:"deprecated_at,nullzero"`
	Metadata      map[string]string `bun:"metadata,type:jsonb,nullzero"`
	CreatedAt     time.Time         `bun:"created_at,notnull"`
	UpdatedAt     time.Time         `bun:"updated_at,notnull"`
}

func toEventTypeModel(et *catalog.EventType) *eventTypeModel {
	return &eventTypeModel{
		ID:            et.ID.String(),
		Name:          et.Definition.Name,
		Description:   et.Definition.Description,
		GroupName:     et.Definition.Group,
		Schema:        et.Definition.Schema,
		SchemaVersion: et.Definition.SchemaVersion,
		Version:       et.Definition.Version,
		Example:       et.Definition.Example,
		IsDeprecated:  et.IsDeprecated,
		DeprecatedAt:  et.DeprecatedAt,
		Metadata:      et.Metadata,
		CreatedAt:     et.CreatedAt,
		UpdatedAt:     et.UpdatedAt,
	}
}

func fromEventTypeModel(m *eventTypeModel) (*catalog.EventType, error) {
	etID, err := id.ParseEventTypeID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse event type ID %q: %w", m.ID, err)
	}
	return &catalog.EventType{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID: etID,
		Definition: catalog.Definition{
			Name:          m.Name,
			Description:   m.Description,
			Group:         m.GroupName,
			Schema:        m.Schema,
			SchemaVersion: m.SchemaVersion,
			Version:       m.Version,
			Example:       m.Example,
		},
		IsDeprecated: m.IsDeprecated,
		DeprecatedAt: m.DeprecatedAt,
		Metadata:     m.Metadata,
	}, nil
}

// --- Webhook model ---

type webhookModel struct {
	bun.BaseModel `bun:"table:dispatch_webhooks,alias:wh"`

	ID         string            `bun:"id,pk"`
	ProjectID  string            `bun:"project_id,notnull"`
	URL        string            `bun:"url,notnull"`
	Secret     string            `bun:"secret"`
	EventTypes []string          `bun:"event_types,type:jsonb"`
	Headers    map[string]string `bun:"headers,type:jsonb,nullzero"`
	Active     bool              `bun:"active"`
	RateLimit  int               `bun:"rate_limit"`
	Policy     json.RawMessage   `bun:"retry_policy,type:jsonb,nullzero"`
	CreatedAt  time.Time         `bun:"created_at,notnull"`
	UpdatedAt  time.Time         `bun:"updated_at,notnull"`
}

func toWebhookModel(wh *webhook.Webhook) (*webhookModel, error) {
	policy, err := json.Marshal(wh.Policy)
	if err != nil {
		return nil, fmt.Errorf("marshal retry policy: %w", err)
	}
	return &webhookModel{
		ID:         wh.ID.String(),
		ProjectID:  wh.ProjectID,
		URL:        wh.URL,
		Secret:     wh.Secret,
		EventTypes: wh.EventTypes,
		Headers:    wh.Headers,
		Active:     wh.Active,
		RateLimit:  wh.RateLimit,
		Policy:     policy,
		CreatedAt:  wh.CreatedAt,
		UpdatedAt:  wh.UpdatedAt,
	}, nil
}

func fromWebhookModel(m *webhookModel) (*webhook.Webhook, error) {
	whID, err := id.ParseWebhookID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse webhook ID %q: %w", m.ID, err)
	}

	var policy webhook.RetryPolicy
	if len(m.Policy) > 0 {
		if err := json.Unmarshal(m.Policy, &policy); err != nil {
			return nil, fmt.Errorf("unmarshal retry policy for %s: %w", m.ID, err)
		}
	}

	return &webhook.Webhook{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:         whID,
		ProjectID:  m.ProjectID,
		URL:        m.URL,
		Secret:     m.Secret,
		EventTypes: m.EventTypes,
		Headers:    m.Headers,
		Active:     m.Active,
		RateLimit:  m.RateLimit,
		Policy:     policy,
	}, nil
}

// --- Delivery models ---

type deliveryModel struct {
	bun.BaseModel `bun:"table:dispatch_deliveries,alias:d"`

	ID                 string          `bun:"id,pk"`
	WebhookID          string          `bun:"webhook_id,notnull"`
	ProjectID          string          `bun:"project_id,notnull"`
	EventType          string          `bun:"event_type,notnull"`
	Payload            json.RawMessage `bun:"payload,type:jsonb,nullzero"`
	State              string          `bun:"state,notnull"`
	AttemptCount       int             `bun:"attempt_count"`
	MaxAttempts        int             `bun:"max_attempts"`
	NextAttemptAt      *time.Time      `bun:"next_attempt_at,nullzero"`
	Succeeded          bool            `bun:"succeeded"`
	LastStatusCode     int             `bun:"last_status_code"`
	LastError          string          `bun:"last_error"`
	PreviousDeliveryID string          `bun:"previous_delivery_id,nullzero"`
	CompletedAt        *time.Time      `bun:"completed_at,nullzero"`
	CreatedAt          time.Time       `bun:"created_at,notnull"`
	UpdatedAt          time.Time       `bun:"updated_at,notnull"`
}

func toDeliveryModel(d *delivery.Delivery) *deliveryModel {
	m := &deliveryModel{
		ID:             d.ID.String(),
		WebhookID:      d.WebhookID.String(),
		ProjectID:      d.ProjectID,
		EventType:      d.EventType,
		Payload:        d.Payload,
		State:          string(d.State),
		AttemptCount:   d.AttemptCount,
		MaxAttempts:    d.MaxAttempts,
		NextAttemptAt:  d.NextAttemptAt,
		Succeeded:      d.Succeeded,
		LastStatusCode: d.LastStatusCode,
		LastError:      d.LastError,
		CompletedAt:    d.CompletedAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
	if !d.PreviousDeliveryID.IsNil() {
		m.PreviousDeliveryID = d.PreviousDeliveryID.String()
	}
	return m
}

func fromDeliveryModel(m *deliveryModel, attempts []attemptModel) (*delivery.Delivery, error) {
	delID, err := id.ParseDeliveryID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse delivery ID %q: %w", m.ID, err)
	}
	whID, err := id.ParseWebhookID(m.WebhookID)
	if err != nil {
		return nil, fmt.Errorf("parse webhook ID %q: %w", m.WebhookID, err)
	}

	d := &delivery.Delivery{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             delID,
		WebhookID:      whID,
		ProjectID:      m.ProjectID,
		EventType:      m.EventType,
		Payload:        m.Payload,
		State:          delivery.State(m.State),
		AttemptCount:   m.AttemptCount,
		MaxAttempts:    m.MaxAttempts,
		NextAttemptAt:  m.NextAttemptAt,
		Succeeded:      m.Succeeded,
		LastStatusCode: m.LastStatusCode,
		LastError:      m.LastError,
		CompletedAt:    m.CompletedAt,
		Attempts:       make([]delivery.Attempt, 0, len(attempts)),
	}

	if m.PreviousDeliveryID != "" {
		prev, err := id.ParseDeliveryID(m.PreviousDeliveryID)
		if err != nil {
			return nil, fmt.Errorf("parse previous delivery ID %q: %w", m.PreviousDeliveryID, err)
		}
		d.PreviousDeliveryID = prev
	}

	for i := range attempts {
		d.Attempts = append(d.Attempts, attempts[i].toAttempt())
	}

	return d, nil
}

// attemptModel is one row of the append-only attempt history. The serial
// primary key preserves append order.
type attemptModel struct {
	bun.BaseModel `bun:"table:dispatch_delivery_attempts,alias:att"`

	Seq        int64     `bun:"seq,pk,autoincrement"`
	DeliveryID string    `bun:"delivery_id,notnull"`
	Timestamp  time.Time `bun:"timestamp,notnull"`
	StatusCode int       `bun:"status_code"`
	Success    bool      `bun:"success"`
	Error      string    `bun:"error"`
	DurationNS int64     `bun:"duration_ns"`
}

func toAttemptModel(delID id.ID, att delivery.Attempt) *attemptModel {
	return &attemptModel{
		DeliveryID: delID.String(),
		Timestamp:  att.Timestamp,
		StatusCode: att.StatusCode,
		Success:    att.Success,
		Error:      att.Error,
		DurationNS: int64(att.Duration),
	}
}

func (m *attemptModel) toAttempt() delivery.Attempt {
	return delivery.Attempt{
		Timestamp:  m.Timestamp,
		StatusCode: m.StatusCode,
		Success:    m.Success,
		Error:      m.Error,
		Duration:   time.Duration(m.DurationNS),
	}
}
