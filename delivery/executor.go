package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/substratehq/dispatch/webhook"
)

// Executor performs one delivery attempt end to end: signed HTTP call plus
// the atomic attempt record in the store.
//
// It does not decide retries; the caller inspects the returned Result and
// settles the delivery through the Retrier.
type Executor struct {
	store  Store
	sender *Sender
	logger *slog.Logger
}

// NewExecutor creates an executor with the given per-attempt HTTP timeout.
func NewExecutor(store Store, timeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:  store,
		sender: NewSender(timeout),
		logger: logger,
	}
}

// Attempt sends the delivery once and appends the attempt record. The
// returned delivery reflects the store state after the append, so
// AttemptCount and Attempts are consistent.
//
// A store error propagates as a hard error and the attempt is not counted;
// network and HTTP failures are normal operational results returned in the
// Result, never as errors.
func (e *Executor) Attempt(ctx context.Context, d *Delivery, wh *webhook.Webhook) (*Delivery, Result, error) {
	res := e.sender.Send(ctx, wh, d)

	att := Attempt{
		Timestamp:  time.Now().UTC(),
		StatusCode: res.StatusCode,
		Success:    res.Outcome == Success,
		Error:      res.Error,
		Duration:   res.Duration,
	}

	updated, err := e.store.AppendAttempt(ctx, d.ID, att)
	if err != nil {
		return nil, res, fmt.Errorf("record attempt for %s: %w", d.ID, err)
	}

	e.logger.DebugContext(ctx, "delivery attempt",
		"delivery_id", d.ID,
		"webhook_id", d.WebhookID,
		"attempt", updated.AttemptCount,
		"outcome", res.Outcome.String(),
		"status", res.StatusCode,
		"duration_ms", res.Duration.Milliseconds(),
	)

	return updated, res, nil
}
