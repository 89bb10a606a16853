package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/substratehq/dispatch/id"
	"github.com/substratehq/dispatch/observability"
	"github.com/substratehq/dispatch/ratelimit"
	"github.com/substratehq/dispatch/webhook"
)

// EngineStore is the interface the engine needs for delivery operations.
type EngineStore interface {
	Store
	GetWebhook(ctx context.Context, whID id.ID) (*webhook.Webhook, error)
}

// EngineConfig holds engine configuration.
type EngineConfig struct {
	Concurrency     int
	PollInterval    time.Duration
	BatchSize       int
	RequestTimeout  time.Duration
	RetentionPeriod time.Duration
	PurgeSchedule   string
	ClaimTimeout    time.Duration
	Metrics         *observability.Metrics
	Tracer          *observability.Tracer
}

// Normalize fills zero-value fields with defaults, the same way
// webhook.RetryPolicy does. A zero Concurrency or PollInterval would
// otherwise stall the worker pool.
func (c EngineConfig) Normalize() EngineConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = 90 * 24 * time.Hour
	}
	if c.PurgeSchedule == "" {
		c.PurgeSchedule = "0 3 * * *"
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 5 * time.Minute
	}
	return c
}

// Engine is the delivery worker pool. It sweeps the store for due
// deliveries, attempts them under a concurrency cap, and runs the daily
// retention purge.
//
// The engine keeps no in-process timers per delivery: retry timing lives
// entirely in persisted next-attempt times, so a restart loses nothing.
type Engine struct {
	store   EngineStore
	exec    *Executor
	retrier *Retrier
	limiter *ratelimit.Limiter
	config  EngineConfig
	logger  *slog.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a delivery engine.
func NewEngine(store EngineStore, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Normalize()
	return &Engine{
		store:   store,
		exec:    NewExecutor(store, cfg.RequestTimeout, logger),
		retrier: NewRetrier(store, logger),
		limiter: ratelimit.New(),
		config:  cfg,
		logger:  logger,
	}
}

// Start begins the poll loop and schedules the retention purge.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	e.cron = cron.New()
	if _, err := e.cron.AddFunc(e.config.PurgeSchedule, func() {
		e.purge(ctx)
	}); err != nil {
		return err
	}
	e.cron.Start()

	// Recover claims orphaned by a previous instance that died mid-attempt.
	e.reclaim(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollLoop(ctx)
	}()
	return nil
}

// Stop cancels the poll loop and waits for in-flight deliveries to complete.
func (e *Engine) Stop(_ context.Context) {
	if e.cancel != nil {
		e.cancel()
	}
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	e.wg.Wait()
}

// Sweep runs one dequeue-and-process pass immediately. The poll loop calls
// it on every tick. First attempts never go through here: Dispatch claims
// new deliveries at creation and hands them straight to Process.
func (e *Engine) Sweep(ctx context.Context) {
	batch, err := e.store.Dequeue(ctx, e.config.BatchSize)
	if err != nil {
		e.logger.ErrorContext(ctx, "dequeue failed", "error", err)
		return
	}

	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup
	for _, d := range batch {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(del *Delivery) {
			defer wg.Done()
			defer func() { <-sem }()
			e.Process(ctx, del)
		}(d)
	}
	wg.Wait()
}

// pollLoop periodically dequeues due deliveries and dispatches them to workers.
func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reclaim(ctx)
			e.Sweep(ctx)
			e.updatePendingGauge(ctx)
		}
	}
}

// Process handles a single claimed delivery: fetch webhook, attempt, settle.
// The delivery must already be claimed, either by Dequeue or by being
// created in the attempting state, so that no concurrent sweep picks it up.
func (e *Engine) Process(ctx context.Context, d *Delivery) {
	var span trace.Span
	if e.config.Tracer != nil {
		ctx, span = e.config.Tracer.StartDeliverySpan(ctx, d.ID.String(), d.WebhookID.String(), d.EventType)
	}

	wh, err := e.store.GetWebhook(ctx, d.WebhookID)
	if err != nil {
		e.logger.ErrorContext(ctx, "get webhook failed",
			"delivery_id", d.ID, "webhook_id", d.WebhookID, "error", err)
		e.release(ctx, d)
		if span != nil {
			e.config.Tracer.EndDeliverySpan(span, 0, 0, err.Error())
		}
		return
	}

	// A webhook disabled between scheduling and pop time fails the delivery
	// permanently without an HTTP attempt.
	if !wh.Active {
		if err := e.store.MarkTerminal(ctx, d.ID, false); err != nil {
			e.logger.ErrorContext(ctx, "mark terminal failed",
				"delivery_id", d.ID, "error", err)
		}
		if e.config.Metrics != nil {
			e.config.Metrics.RecordAttempt("webhook_inactive", 0)
		}
		e.logger.InfoContext(ctx, "delivery dropped: webhook inactive",
			"delivery_id", d.ID, "webhook_id", d.WebhookID)
		if span != nil {
			e.config.Tracer.EndDeliverySpan(span, 0, 0, "webhook inactive")
		}
		return
	}

	if err := e.limiter.Wait(ctx, wh.ID.String(), wh.RateLimit); err != nil {
		// Context cancelled while throttled; hand the claim back so the
		// next sweep can pick the delivery up again.
		e.release(ctx, d)
		if span != nil {
			e.config.Tracer.EndDeliverySpan(span, 0, 0, err.Error())
		}
		return
	}

	updated, res, err := e.exec.Attempt(ctx, d, wh)
	if err != nil {
		// Store failure: the attempt was not recorded and must not consume
		// the budget. Release the claim so the next sweep retries it.
		e.logger.ErrorContext(ctx, "attempt not recorded",
			"delivery_id", d.ID, "error", err)
		e.release(ctx, d)
		if span != nil {
			e.config.Tracer.EndDeliverySpan(span, res.StatusCode, res.Duration.Milliseconds(), err.Error())
		}
		return
	}

	decision, err := e.retrier.Settle(ctx, updated, wh, res)
	if err != nil {
		e.logger.ErrorContext(ctx, "settle delivery failed",
			"delivery_id", d.ID, "error", err)
	}

	if e.config.Metrics != nil {
		e.config.Metrics.RecordAttempt(res.Outcome.String(), res.Duration.Seconds())
		if decision == Delivered || decision == Exhaust || decision == Misconfigured {
			e.config.Metrics.PendingDeliveries.Dec()
		}
	}

	if span != nil {
		e.config.Tracer.EndDeliverySpan(span, res.StatusCode, res.Duration.Milliseconds(), res.Error)
	}
}

// release hands a claimed delivery back to the store when the attempt
// could not run or could not be recorded. The delivery keeps its due time
// so the next sweep retries it. Runs on a detached context: a cancelled
// attempt must still give the claim back.
func (e *Engine) release(ctx context.Context, d *Delivery) {
	next := time.Now().UTC()
	if d.NextAttemptAt != nil {
		next = *d.NextAttemptAt
	}
	if err := e.store.ScheduleRetry(context.WithoutCancel(ctx), d.ID, next); err != nil {
		e.logger.ErrorContext(ctx, "release claim failed",
			"delivery_id", d.ID, "error", err)
	}
}

// reclaim releases claims held longer than ClaimTimeout. A worker that
// crashed mid-attempt leaves its deliveries in the attempting state;
// without this they would never be swept again.
func (e *Engine) reclaim(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-e.config.ClaimTimeout)
	n, err := e.store.ReclaimStale(ctx, cutoff)
	if err != nil {
		e.logger.ErrorContext(ctx, "reclaim stale claims failed", "error", err)
		return
	}
	if n > 0 {
		e.logger.WarnContext(ctx, "reclaimed stale delivery claims", "count", n)
	}
}

// purge removes delivery records older than the retention period.
func (e *Engine) purge(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-e.config.RetentionPeriod)
	n, err := e.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		e.logger.ErrorContext(ctx, "retention purge failed", "error", err)
		return
	}
	if e.config.Metrics != nil {
		e.config.Metrics.DeliveriesPurged.Add(float64(n))
	}
	if n > 0 {
		e.logger.InfoContext(ctx, "retention purge", "deleted", n, "cutoff", cutoff)
	}
}

func (e *Engine) updatePendingGauge(ctx context.Context) {
	if e.config.Metrics == nil {
		return
	}
	n, err := e.store.CountPending(ctx)
	if err != nil {
		return
	}
	e.config.Metrics.PendingDeliveries.Set(float64(n))
}
