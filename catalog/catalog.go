// Package catalog manages the registry of platform event types and
// validates event payloads against their JSON Schemas.
package catalog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/substratehq/dispatch/id"
	"github.com/substratehq/dispatch/internal/entity"
)

// Catalog is the in-memory cached service for managing event types.
type Catalog struct {
	store    Store
	cache    map[string]cacheEntry
	cacheTTL time.Duration
	mu       sync.RWMutex
	logger   *slog.Logger
}

// cacheEntry holds a cached event type with its load time; each entry
// expires independently.
type cacheEntry struct {
	et       *EventType
	loadedAt time.Time
}

// Config configures the catalog service.
type Config struct {
	// CacheTTL is how long a cached event type is served before the next
	// read goes back to the store. Zero or negative disables caching.
	CacheTTL time.Duration
}

// NewCatalog creates a new Catalog backed by the given store.
func NewCatalog(store Store, cfg Config, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		store:    store,
		cache:    make(map[string]cacheEntry),
		cacheTTL: cfg.CacheTTL,
		logger:   logger,
	}
}

// RegisterType registers or updates an event type definition.
func (c *Catalog) RegisterType(ctx context.Context, def Definition, opts ...RegisterOption) (*EventType, error) {
	ro := registerOptions{}
	for _, o := range opts {
		o(&ro)
	}

	et := &EventType{
		Entity:     entity.New(),
		ID:         id.NewEventTypeID(),
		Definition: def,
		Metadata:   ro.metadata,
	}

	if err := c.store.RegisterType(ctx, et); err != nil {
		return nil, err
	}

	c.cachePut(def.Name, et)
	return et, nil
}

// RegisterOption configures RegisterType behavior.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	metadata map[string]string
}

// WithMetadata sets metadata on a registered event type.
func WithMetadata(m map[string]string) RegisterOption {
	return func(o *registerOptions) { o.metadata = m }
}

// GetType returns an event type by name, serving cached entries still
// within their TTL.
func (c *Catalog) GetType(ctx context.Context, name string) (*EventType, error) {
	if et, ok := c.cacheGet(name); ok {
		return et, nil
	}

	et, err := c.store.GetType(ctx, name)
	if err != nil {
		return nil, err
	}

	c.cachePut(name, et)
	return et, nil
}

// ListTypes returns all registered event types.
func (c *Catalog) ListTypes(ctx context.Context, opts ListOpts) ([]*EventType, error) {
	return c.store.ListTypes(ctx, opts)
}

// DeleteType soft-deletes (deprecates) an event type and removes it from cache.
func (c *Catalog) DeleteType(ctx context.Context, name string) error {
	if err := c.store.DeleteType(ctx, name); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.cache, name)
	c.mu.Unlock()

	return nil
}

// InvalidateCache clears the in-memory cache, forcing fresh reads from the store.
func (c *Catalog) InvalidateCache() {
	c.mu.Lock()
	c.cache = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// cacheGet returns a cached event type that is still within its TTL.
func (c *Catalog) cacheGet(name string) (*EventType, bool) {
	if c.cacheTTL <= 0 {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.cache[name]
	if !ok || time.Since(entry.loadedAt) >= c.cacheTTL {
		return nil, false
	}
	return entry.et, true
}

// cachePut stores an event type in the cache unless caching is disabled.
func (c *Catalog) cachePut(name string, et *EventType) {
	if c.cacheTTL <= 0 {
		return
	}

	c.mu.Lock()
	c.cache[name] = cacheEntry{et: et, loadedAt: time.Now()}
	c.mu.Unlock()
}

// WarmCache preloads the cache from the store.
func (c *Catalog) WarmCache(ctx context.Context) error {
	types, err := c.store.ListTypes(ctx, ListOpts{IncludeDeprecated: false})
	if err != nil {
		return err
	}

	for _, et := range types {
		c.cachePut(et.Definition.Name, et)
	}
	return nil
}
