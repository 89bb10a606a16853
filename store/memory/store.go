// Package memory provides an in-memory Store implementation for unit testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/substratehq/dispatch"
	"github.com/substratehq/dispatch/catalog"
	"github.com/substratehq/dispatch/delivery"
	"github.com/substratehq/dispatch/id"
	dispatchstore "github.com/substratehq/dispatch/store"
	"github.com/substratehq/dispatch/webhook"
)

// compile-time interface check.
var _ dispatchstore.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store for testing.
type Store struct {
	mu sync.RWMutex

	eventTypes     map[string]*catalog.EventType // keyed by name
	eventTypesByID map[string]*catalog.EventType // keyed by ID string
	webhooks       map[string]*webhook.Webhook   // keyed by ID string
	deliveries     map[string]*delivery.Delivery // keyed by ID string
	locked         map[string]bool               // simulates SKIP LOCKED

	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		eventTypes:     make(map[string]*catalog.EventType),
		eventTypesByID: make(map[string]*catalog.EventType),
		webhooks:       make(map[string]*webhook.Webhook),
		deliveries:     make(map[string]*delivery.Delivery),
		locked:         make(map[string]bool),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the in-memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping is a no-op for the in-memory store.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return dispatch.ErrStoreClosed
	}
	return nil
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// catalog.Store
// ──────────────────────────────────────────────────

// RegisterType creates or updates an event type definition (upsert by name).
func (s *Store) RegisterType(_ context.Context, et *catalog.EventType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.eventTypes[et.Definition.Name]; ok {
		existing.Definition = et.Definition
		existing.UpdatedAt = time.Now().UTC()
		existing.Metadata = et.Metadata
		et.ID = existing.ID
		return nil
	}

	s.eventTypes[et.Definition.Name] = et
	s.eventTypesByID[et.ID.String()] = et
	return nil
}

// GetType returns an event type by name.
func (s *Store) GetType(_ context.Context, name string) (*catalog.EventType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	et, ok := s.eventTypes[name]
	if !ok {
		return nil, dispatch.ErrEventTypeNotFound
	}
	return et, nil
}

// GetTypeByID returns an event type by its TypeID.
func (s *Store) GetTypeByID(_ context.Context, etID id.ID) (*catalog.EventType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	et, ok := s.eventTypesByID[etID.String()]
	if !ok {
		return nil, dispatch.ErrEventTypeNotFound
	}
	return et, nil
}

// ListTypes returns all registered event types, optionally filtered.
func (s *Store) ListTypes(_ context.Context, opts catalog.ListOpts) ([]*catalog.EventType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*catalog.EventType, 0, len(s.eventTypes))
	for _, et := range s.eventTypes {
		if !opts.IncludeDeprecated && et.IsDeprecated {
			continue
		}
		if opts.Group != "" && et.Definition.Group != opts.Group {
			continue
		}
		result = append(result, et)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Definition.Name < result[j].Definition.Name
	})

	result = applyPagination(result, opts.Offset, opts.Limit)
	return result, nil
}

// DeleteType soft-deletes (deprecates) an event type.
func (s *Store) DeleteType(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	et, ok := s.eventTypes[name]
	if !ok {
		return dispatch.ErrEventTypeNotFound
	}

	now := time.Now().UTC()
	et.IsDeprecated = true
	et.DeprecatedAt = &now
	et.UpdatedAt = now
	return nil
}

// ──────────────────────────────────────────────────
// webhook.Store
// ──────────────────────────────────────────────────

// PutWebhook creates or replaces a webhook registration.
func (s *Store) PutWebhook(_ context.Context, wh *webhook.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.webhooks[wh.ID.String()] = wh
	return nil
}

// GetWebhook returns a webhook by ID.
func (s *Store) GetWebhook(_ context.Context, whID id.ID) (*webhook.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wh, ok := s.webhooks[whID.String()]
	if !ok {
		return nil, dispatch.ErrWebhookNotFound
	}
	return wh, nil
}

// ListWebhooks returns webhooks for a project, optionally filtered.
func (s *Store) ListWebhooks(_ context.Context, projectID string, opts webhook.ListOpts) ([]*webhook.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*webhook.Webhook, 0, len(s.webhooks))
	for _, wh := range s.webhooks {
		if wh.ProjectID != projectID {
			continue
		}
		if opts.Active != nil && wh.Active != *opts.Active {
			continue
		}
		result = append(result, wh)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	result = applyPagination(result, opts.Offset, opts.Limit)
	return result, nil
}

// ResolveSubscribers finds all active webhooks of a project subscribed to an
// event type.
func (s *Store) ResolveSubscribers(_ context.Context, projectID, eventType string) ([]*webhook.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*webhook.Webhook
	for _, wh := range s.webhooks {
		if wh.ProjectID != projectID || !wh.Active {
			continue
		}
		if wh.Subscribes(eventType) {
			result = append(result, wh)
		}
	}
	return result, nil
}

// SetActive enables or disables a webhook.
func (s *Store) SetActive(_ context.Context, whID id.ID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wh, ok := s.webhooks[whID.String()]
	if !ok {
		return dispatch.ErrWebhookNotFound
	}
	wh.Active = active
	wh.UpdatedAt = time.Now().UTC()
	return nil
}

// ──────────────────────────────────────────────────
// delivery.Store
// ──────────────────────────────────────────────────

// copyDelivery returns a copy of the delivery with its own attempts slice.
func copyDelivery(d *delivery.Delivery) *delivery.Delivery {
	cp := *d
	cp.Attempts = make([]delivery.Attempt, len(d.Attempts))
	copy(cp.Attempts, d.Attempts)
	return &cp
}

// CreateDelivery persists a new delivery.
func (s *Store) CreateDelivery(_ context.Context, d *delivery.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deliveries[d.ID.String()] = copyDelivery(d)
	return nil
}

// AppendAttempt atomically records one attempt on a delivery.
func (s *Store) AppendAttempt(_ context.Context, delID id.ID, att delivery.Attempt) (*delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[delID.String()]
	if !ok {
		return nil, dispatch.ErrDeliveryNotFound
	}

	d.Attempts = append(d.Attempts, att)
	d.AttemptCount = len(d.Attempts)
	d.LastStatusCode = att.StatusCode
	d.LastError = att.Error
	d.State = delivery.StateAttempting
	d.UpdatedAt = time.Now().UTC()

	return copyDelivery(d), nil
}

// ScheduleRetry moves a delivery to the retrying state with the given due
// time and releases its claim.
func (s *Store) ScheduleRetry(_ context.Context, delID id.ID, nextAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[delID.String()]
	if !ok {
		return dispatch.ErrDeliveryNotFound
	}

	d.State = delivery.StateRetrying
	d.NextAttemptAt = &nextAt
	d.UpdatedAt = time.Now().UTC()
	delete(s.locked, delID.String())
	return nil
}

// MarkTerminal finalizes a delivery and releases its claim.
func (s *Store) MarkTerminal(_ context.Context, delID id.ID, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[delID.String()]
	if !ok {
		return dispatch.ErrDeliveryNotFound
	}

	now := time.Now().UTC()
	if success {
		d.State = delivery.StateSucceeded
	} else {
		d.State = delivery.StateExhausted
	}
	d.Succeeded = success
	d.NextAttemptAt = nil
	d.CompletedAt = &now
	d.UpdatedAt = now
	delete(s.locked, delID.String())
	return nil
}

// Dequeue claims due deliveries for attempt (concurrent-safe).
// Returns copies so callers can read without holding a lock.
func (s *Store) Dequeue(_ context.Context, limit int) ([]*delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	candidates := make([]*delivery.Delivery, 0, len(s.deliveries))

	for _, d := range s.deliveries {
		if !dueForAttempt(d, now) {
			continue
		}
		if s.locked[d.ID.String()] {
			continue
		}
		candidates = append(candidates, d)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].NextAttemptAt.Before(*candidates[j].NextAttemptAt)
	})

	if limit > 0 && limit < len(candidates) {
		candidates = candidates[:limit]
	}

	result := make([]*delivery.Delivery, 0, len(candidates))
	claimedAt := time.Now().UTC()
	for _, d := range candidates {
		s.locked[d.ID.String()] = true
		d.State = delivery.StateAttempting
		d.UpdatedAt = claimedAt
		result = append(result, copyDelivery(d))
	}

	return result, nil
}

// ReclaimStale releases claims on deliveries stuck attempting since
// before the cutoff, making them due immediately.
func (s *Store) ReclaimStale(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var count int64
	for k, d := range s.deliveries {
		if d.State != delivery.StateAttempting || !d.UpdatedAt.Before(before) {
			continue
		}
		next := now
		d.State = delivery.StateRetrying
		d.NextAttemptAt = &next
		d.UpdatedAt = now
		delete(s.locked, k)
		count++
	}
	return count, nil
}

// Due returns due deliveries without claiming them.
func (s *Store) Due(_ context.Context, before time.Time, limit int) ([]*delivery.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*delivery.Delivery, 0)
	for _, d := range s.deliveries {
		if !dueForAttempt(d, before) {
			continue
		}
		result = append(result, copyDelivery(d))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].NextAttemptAt.Before(*result[j].NextAttemptAt)
	})

	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// dueForAttempt reports whether a delivery is awaiting an attempt at t.
func dueForAttempt(d *delivery.Delivery, t time.Time) bool {
	if d.State != delivery.StatePending && d.State != delivery.StateRetrying {
		return false
	}
	return d.NextAttemptAt != nil && !d.NextAttemptAt.After(t)
}

// GetDelivery returns a copy of the delivery by ID.
func (s *Store) GetDelivery(_ context.Context, delID id.ID) (*delivery.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deliveries[delID.String()]
	if !ok {
		return nil, dispatch.ErrDeliveryNotFound
	}
	return copyDelivery(d), nil
}

// ListDeliveries returns delivery history for a webhook, newest first.
func (s *Store) ListDeliveries(_ context.Context, whID id.ID, f delivery.Filter, offset, limit int) ([]*delivery.Delivery, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*delivery.Delivery, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		if d.WebhookID.String() != whID.String() {
			continue
		}
		if !f.Matches(d) {
			continue
		}
		matched = append(matched, d)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	matched = applyPagination(matched, offset, limit)

	result := make([]*delivery.Delivery, 0, len(matched))
	for _, d := range matched {
		result = append(result, copyDelivery(d))
	}
	return result, total, nil
}

// CountPending returns the number of non-terminal deliveries.
func (s *Store) CountPending(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, d := range s.deliveries {
		if !d.State.Terminal() {
			count++
		}
	}
	return count, nil
}

// PurgeOlderThan deletes deliveries created before the cutoff.
func (s *Store) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for k, d := range s.deliveries {
		if d.CreatedAt.Before(cutoff) {
			delete(s.deliveries, k)
			delete(s.locked, k)
			count++
		}
	}
	return count, nil
}

// PurgeWebhookOlderThan deletes one webhook's deliveries created before the cutoff.
func (s *Store) PurgeWebhookOlderThan(_ context.Context, whID id.ID, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for k, d := range s.deliveries {
		if d.WebhookID.String() != whID.String() {
			continue
		}
		if d.CreatedAt.Before(cutoff) {
			delete(s.deliveries, k)
			delete(s.locked, k)
			count++
		}
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func applyPagination[T any](items []*T, offset, limit int) []*T {
	if offset > 0 && offset < len(items) {
		items = items[offset:]
	} else if offset >= len(items) && offset > 0 {
		return nil
	}

	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}

	return items
}
