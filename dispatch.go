package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/substratehq/dispatch/catalog"
	"github.com/substratehq/dispatch/delivery"
	"github.com/substratehq/dispatch/id"
	"github.com/substratehq/dispatch/store"
)

// wireServices initializes the internal services after options have been applied.
func (dp *Dispatcher) wireServices() {
	dp.catalog = catalog.NewCatalog(dp.store, catalog.Config{
		CacheTTL: dp.config.CatalogCacheTTL,
	}, dp.logger)

	dp.validator = catalog.NewValidator()

	dp.deliverySvc = delivery.NewService(dp.store, dp.logger)

	dp.engine = delivery.NewEngine(dp.store, delivery.EngineConfig{
		Concurrency:     dp.config.Concurrency,
		PollInterval:    dp.config.PollInterval,
		BatchSize:       dp.config.BatchSize,
		RequestTimeout:  dp.config.RequestTimeout,
		RetentionPeriod: dp.config.RetentionPeriod,
		PurgeSchedule:   dp.config.PurgeSchedule,
		ClaimTimeout:    dp.config.ClaimTimeout,
		Metrics:         dp.metrics,
		Tracer:          dp.tracer,
	}, dp.logger)
}

// Start begins the delivery engine: the retry sweep loop and the scheduled
// retention purge.
func (dp *Dispatcher) Start(ctx context.Context) error {
	return dp.engine.Start(ctx)
}

// Stop gracefully shuts down the delivery engine, waiting for in-flight
// deliveries to complete.
func (dp *Dispatcher) Stop(ctx context.Context) {
	dp.engine.Stop(ctx)
}

// RegisterEventType registers an event type definition in the catalog.
func (dp *Dispatcher) RegisterEventType(ctx context.Context, def catalog.Definition, opts ...catalog.RegisterOption) (*catalog.EventType, error) {
	return dp.catalog.RegisterType(ctx, def, opts...)
}

// Dispatch fires an event: it validates the payload against the catalog,
// resolves the project's subscribed webhooks, and delivers to each of them
// concurrently. The first attempt per webhook happens before Dispatch
// returns; failed attempts are scheduled for retry by the engine.
//
// One unreachable webhook never affects delivery to the others. The
// returned deliveries reflect the state after the first attempt.
func (dp *Dispatcher) Dispatch(ctx context.Context, projectID, eventType string, payload json.RawMessage) ([]*delivery.Delivery, error) {
	if err := dp.checkEventType(ctx, eventType, payload); err != nil {
		return nil, err
	}

	webhooks, err := dp.store.ResolveSubscribers(ctx, projectID, eventType)
	if err != nil {
		return nil, fmt.Errorf("dispatch: resolve subscribers: %w", err)
	}

	if dp.metrics != nil {
		dp.metrics.EventsDispatchedTotal.Inc()
	}

	if len(webhooks) == 0 {
		return nil, nil // no subscribers, nothing to deliver
	}

	// Fan out: one delivery per webhook, first attempt synchronous. Each
	// delivery is created already claimed (attempting) so the engine's
	// sweep cannot pick it up concurrently.
	var (
		mu         sync.Mutex
		deliveries = make([]*delivery.Delivery, 0, len(webhooks))
	)

	var g errgroup.Group
	g.SetLimit(dp.config.Concurrency)

	for _, wh := range webhooks {
		g.Go(func() error {
			d := delivery.New(wh, projectID, eventType, payload)
			d.State = delivery.StateAttempting
			if err := dp.store.CreateDelivery(ctx, d); err != nil {
				return fmt.Errorf("dispatch: create delivery for %s: %w", wh.ID, err)
			}

			dp.engine.Process(ctx, d)

			done, err := dp.store.GetDelivery(ctx, d.ID)
			if err != nil {
				done = d
			}

			mu.Lock()
			deliveries = append(deliveries, done)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return deliveries, err
	}

	dp.logger.DebugContext(ctx, "event dispatched",
		"project_id", projectID,
		"event_type", eventType,
		"webhooks", len(webhooks),
	)

	return deliveries, nil
}

// Redeliver manually replays a delivery. It creates a new delivery record
// with a fresh attempt budget and a back-reference to the original, then
// attempts it immediately. The original delivery and its attempt history
// are left untouched.
func (dp *Dispatcher) Redeliver(ctx context.Context, delID id.ID) (*delivery.Delivery, error) {
	orig, err := dp.store.GetDelivery(ctx, delID)
	if err != nil {
		return nil, err
	}

	wh, err := dp.store.GetWebhook(ctx, orig.WebhookID)
	if err != nil {
		return nil, err
	}

	d := delivery.New(wh, orig.ProjectID, orig.EventType, orig.Payload)
	d.PreviousDeliveryID = orig.ID
	d.State = delivery.StateAttempting
	if err := dp.store.CreateDelivery(ctx, d); err != nil {
		return nil, fmt.Errorf("dispatch: create redelivery for %s: %w", orig.ID, err)
	}

	dp.logger.InfoContext(ctx, "manual redelivery",
		"delivery_id", d.ID,
		"previous_delivery_id", orig.ID,
		"webhook_id", wh.ID,
	)

	dp.engine.Process(ctx, d)

	done, err := dp.store.GetDelivery(ctx, d.ID)
	if err != nil {
		return d, nil
	}
	return done, nil
}

// checkEventType enforces catalog rules on a dispatched event. Unknown
// types pass unless strict mode is on; known types must not be deprecated
// and must satisfy their schema when one is defined.
func (dp *Dispatcher) checkEventType(ctx context.Context, eventType string, payload json.RawMessage) error {
	et, err := dp.catalog.GetType(ctx, eventType)
	if err != nil {
		if dp.config.StrictEventTypes {
			return fmt.Errorf("%w: %s", ErrEventTypeNotFound, eventType)
		}
		return nil
	}

	if et.IsDeprecated {
		return fmt.Errorf("%w: %s", ErrEventTypeDeprecated, eventType)
	}

	if len(et.Definition.Schema) > 0 {
		var doc any
		if err := json.Unmarshal(payload, &doc); err != nil {
			return fmt.Errorf("%w: payload is not valid JSON: %v", ErrPayloadValidationFailed, err)
		}
		if err := dp.validator.Validate(et.Definition.Schema, doc); err != nil {
			return fmt.Errorf("%w: %s", ErrPayloadValidationFailed, err.Error())
		}
	}
	return nil
}

// Deliveries returns the delivery history service.
func (dp *Dispatcher) Deliveries() *delivery.Service {
	return dp.deliverySvc
}

// Catalog returns the event type catalog.
func (dp *Dispatcher) Catalog() *catalog.Catalog {
	return dp.catalog
}

// Engine returns the delivery engine.
func (dp *Dispatcher) Engine() *delivery.Engine {
	return dp.engine
}

// Store returns the underlying store.
func (dp *Dispatcher) Store() store.Store {
	return dp.store
}
