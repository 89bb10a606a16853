// Package store defines the composite Store interface for all dispatch
// persistence.
//
// Each subsystem defines its own store interface; the aggregate Store
// composes them all, so a backend implements the whole surface in one type.
package store

import (
	"context"

	"github.com/substratehq/dispatch/catalog"
	"github.com/substratehq/dispatch/delivery"
	"github.com/substratehq/dispatch/webhook"
)

// Store is the aggregate persistence interface.
type Store interface {
	catalog.Store
	webhook.Store
	delivery.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
