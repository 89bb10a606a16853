package dispatch

import "errors"

// Sentinel errors returned by dispatch operations.
var (
	// ErrNoStore is returned when a Dispatcher is created without a store.
	ErrNoStore = errors.New("dispatch: store is required")

	// ErrWebhookNotFound is returned when a webhook cannot be found.
	ErrWebhookNotFound = errors.New("dispatch: webhook not found")

	// ErrEventTypeNotFound is returned when an event type is not registered in the catalog.
	ErrEventTypeNotFound = errors.New("dispatch: event type not found")

	// ErrEventTypeDeprecated is returned when dispatching an event with a deprecated type.
	ErrEventTypeDeprecated = errors.New("dispatch: event type is deprecated")

	// ErrPayloadValidationFailed is returned when an event payload fails JSON Schema validation.
	ErrPayloadValidationFailed = errors.New("dispatch: payload validation failed")

	// ErrDeliveryNotFound is returned when a delivery cannot be found.
	ErrDeliveryNotFound = errors.New("dispatch: delivery not found")

	// ErrStoreClosed is returned when a store operation is attempted after the store is closed.
	ErrStoreClosed = errors.New("dispatch: store is closed")

	// ErrMigrationFailed is returned when a database migration fails.
	ErrMigrationFailed = errors.New("dispatch: migration failed")
)
