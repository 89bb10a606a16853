package delivery

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/substratehq/dispatch/webhook"
)

// Decision is the outcome of evaluating a delivery attempt.
type Decision int

const (
	// Delivered means the attempt succeeded and the delivery is terminal.
	Delivered Decision = iota

	// Retry means a future attempt should be scheduled.
	Retry

	// Exhaust means the attempt budget ran out; the delivery is terminal.
	Exhaust

	// Misconfigured means the webhook cannot be signed; retrying cannot
	// help, so the delivery is terminal immediately.
	Misconfigured
)

// Retrier decides what happens to a delivery after an attempt and persists
// the decision. The backoff is pure exponential with no jitter, so retry
// timing is deterministic and testable.
type Retrier struct {
	store  Store
	logger *slog.Logger
}

// NewRetrier creates a retrier backed by the given store.
func NewRetrier(store Store, logger *slog.Logger) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{store: store, logger: logger}
}

// Decide classifies the next step for a delivery after an attempt.
//
// Decision matrix:
//   - Success → Delivered
//   - SignatureSetupFailure → Misconfigured (never retried)
//   - any other failure with attempts remaining → Retry
//   - any other failure at the attempt budget → Exhaust
func (r *Retrier) Decide(res Result, d *Delivery) Decision {
	switch res.Outcome {
	case Success:
		return Delivered
	case SignatureSetupFailure:
		return Misconfigured
	}

	if d.AttemptCount >= d.MaxAttempts {
		return Exhaust
	}
	return Retry
}

// NextDelay computes the backoff before the next attempt:
// min(initial * multiplier^(n-1), max), where n is the attempt that just
// failed.
func (r *Retrier) NextDelay(p webhook.RetryPolicy, attemptCount int) time.Duration {
	p = p.Normalize()
	if attemptCount < 1 {
		attemptCount = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attemptCount-1))
	if delay >= float64(p.MaxDelay) || math.IsInf(delay, 1) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Settle persists the decision for an attempted delivery: terminal marks
// clear the next-attempt time, Retry writes the computed due time. It never
// sleeps; the engine's sweep picks scheduled deliveries up when due.
func (r *Retrier) Settle(ctx context.Context, d *Delivery, wh *webhook.Webhook, res Result) (Decision, error) {
	decision := r.Decide(res, d)

	var err error
	switch decision {
	case Delivered:
		err = r.store.MarkTerminal(ctx, d.ID, true)

	case Retry:
		next := time.Now().UTC().Add(r.NextDelay(wh.Policy, d.AttemptCount))
		err = r.store.ScheduleRetry(ctx, d.ID, next)
		r.logger.DebugContext(ctx, "retry scheduled",
			"delivery_id", d.ID, "attempt", d.AttemptCount, "next_at", next)

	case Exhaust:
		err = r.store.MarkTerminal(ctx, d.ID, false)
		r.logger.WarnContext(ctx, "delivery exhausted",
			"delivery_id", d.ID, "attempts", d.AttemptCount, "last_error", res.Error)

	case Misconfigured:
		err = r.store.MarkTerminal(ctx, d.ID, false)
		r.logger.WarnContext(ctx, "delivery dropped: webhook misconfigured",
			"delivery_id", d.ID, "webhook_id", d.WebhookID, "error", res.Error)
	}

	return decision, err
}
