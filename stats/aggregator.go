// Package stats computes delivery statistics over a webhook's recent
// history for dashboards and the management API.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/substratehq/dispatch/delivery"
	"github.com/substratehq/dispatch/id"
)

// Summary aggregates delivery outcomes over a time window.
type Summary struct {
	// Total is the number of deliveries created in the window.
	Total int `json:"total"`

	// SuccessCount is the number of terminally successful deliveries.
	SuccessCount int `json:"success_count"`

	// FailureCount is the number of exhausted deliveries.
	FailureCount int `json:"failure_count"`

	// PendingCount is the number of deliveries still in flight.
	PendingCount int `json:"pending_count"`

	// SuccessRate is SuccessCount over settled deliveries, in [0, 1].
	// Zero when nothing has settled yet.
	SuccessRate float64 `json:"success_rate"`

	// AvgDurationMs is the mean duration across all recorded attempts.
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// Aggregator computes delivery statistics from the delivery store.
type Aggregator struct {
	store delivery.Store
}

// NewAggregator creates a stats aggregator.
func NewAggregator(store delivery.Store) *Aggregator {
	return &Aggregator{store: store}
}

const fetchBatch = 500

// Stats summarizes a webhook's deliveries created within the window.
func (a *Aggregator) Stats(ctx context.Context, whID id.ID, window time.Duration) (*Summary, error) {
	sum := &Summary{}
	acc := newDurationAccumulator()

	err := a.walk(ctx, whID, window, func(d *delivery.Delivery) {
		tally(sum, acc, d)
	})
	if err != nil {
		return nil, err
	}

	finalize(sum, acc)
	return sum, nil
}

// StatsByEventType summarizes a webhook's deliveries grouped by event type.
func (a *Aggregator) StatsByEventType(ctx context.Context, whID id.ID, window time.Duration) (map[string]*Summary, error) {
	sums := make(map[string]*Summary)
	accs := make(map[string]*durationAccumulator)

	err := a.walk(ctx, whID, window, func(d *delivery.Delivery) {
		sum, ok := sums[d.EventType]
		if !ok {
			sum = &Summary{}
			sums[d.EventType] = sum
			accs[d.EventType] = newDurationAccumulator()
		}
		tally(sum, accs[d.EventType], d)
	})
	if err != nil {
		return nil, err
	}

	for et, sum := range sums {
		finalize(sum, accs[et])
	}
	return sums, nil
}

// walk visits every delivery of the webhook created within the window.
func (a *Aggregator) walk(ctx context.Context, whID id.ID, window time.Duration, visit func(*delivery.Delivery)) error {
	var f delivery.Filter
	if window > 0 {
		from := time.Now().UTC().Add(-window)
		f.From = &from
	}

	for offset := 0; ; offset += fetchBatch {
		items, _, err := a.store.ListDeliveries(ctx, whID, f, offset, fetchBatch)
		if err != nil {
			return fmt.Errorf("stats: list deliveries for %s: %w", whID, err)
		}
		for _, d := range items {
			visit(d)
		}
		if len(items) < fetchBatch {
			return nil
		}
	}
}

type durationAccumulator struct {
	totalMs  float64
	attempts int
}

func newDurationAccumulator() *durationAccumulator {
	return &durationAccumulator{}
}

func tally(sum *Summary, acc *durationAccumulator, d *delivery.Delivery) {
	sum.Total++
	switch d.State {
	case delivery.StateSucceeded:
		sum.SuccessCount++
	case delivery.StateExhausted:
		sum.FailureCount++
	default:
		sum.PendingCount++
	}

	for _, att := range d.Attempts {
		acc.totalMs += float64(att.Duration.Milliseconds())
		acc.attempts++
	}
}

func finalize(sum *Summary, acc *durationAccumulator) {
	settled := sum.SuccessCount + sum.FailureCount
	if settled > 0 {
		sum.SuccessRate = float64(sum.SuccessCount) / float64(settled)
	}
	if acc.attempts > 0 {
		sum.AvgDurationMs = acc.totalMs / float64(acc.attempts)
	}
}
