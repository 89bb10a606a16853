package delivery

import (
	"context"
	"time"

	"github.com/substratehq/dispatch/id"
)

// Store defines the persistence contract for webhook deliveries.
type Store interface {
	// CreateDelivery persists a new pending delivery.
	CreateDelivery(ctx context.Context, d *Delivery) error

	// AppendAttempt records one attempt: it appends the attempt record,
	// increments the attempt counter, and updates the last status/error in
	// a single atomic read-modify-write. Two concurrent callers must never
	// lose an attempt record. Returns the delivery as stored after the
	// append.
	AppendAttempt(ctx context.Context, delID id.ID, att Attempt) (*Delivery, error)

	// ScheduleRetry moves a delivery to the retrying state with the given
	// due time.
	ScheduleRetry(ctx context.Context, delID id.ID, nextAt time.Time) error

	// MarkTerminal finalizes a delivery as succeeded or exhausted and
	// clears its next-attempt time.
	MarkTerminal(ctx context.Context, delID id.ID, success bool) error

	// Dequeue atomically claims due deliveries (pending or retrying with
	// next_attempt_at <= now) for attempt. Implementations must ensure no
	// double-delivery between concurrent workers (e.g. SKIP LOCKED).
	Dequeue(ctx context.Context, limit int) ([]*Delivery, error)

	// ReclaimStale releases claims on deliveries stuck in the attempting
	// state since before the cutoff, making them due immediately. Recovers
	// claims orphaned by a worker that died mid-attempt. Returns the
	// number reclaimed.
	ReclaimStale(ctx context.Context, before time.Time) (int64, error)

	// Due returns due deliveries without claiming them. Calling it twice
	// without an intervening attempt returns the same set.
	Due(ctx context.Context, before time.Time, limit int) ([]*Delivery, error)

	// GetDelivery returns a delivery by ID with its full attempt history.
	GetDelivery(ctx context.Context, delID id.ID) (*Delivery, error)

	// ListDeliveries returns delivery history for a webhook, newest first,
	// along with the total count matching the filter.
	ListDeliveries(ctx context.Context, whID id.ID, f Filter, offset, limit int) ([]*Delivery, int, error)

	// CountPending returns the number of non-terminal deliveries.
	CountPending(ctx context.Context) (int64, error)

	// PurgeOlderThan deletes deliveries created before the cutoff,
	// regardless of state. Returns the number deleted.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// PurgeWebhookOlderThan is PurgeOlderThan scoped to one webhook.
	PurgeWebhookOlderThan(ctx context.Context, whID id.ID, cutoff time.Time) (int64, error)
}
