package dispatch

import (
	"log/slog"
	"time"

	"github.com/substratehq/dispatch/catalog"
	"github.com/substratehq/dispatch/delivery"
	"github.com/substratehq/dispatch/observability"
	"github.com/substratehq/dispatch/store"
)

// Dispatcher is the root webhook delivery engine.
type Dispatcher struct {
	config      Config
	store       store.Store
	catalog     *catalog.Catalog
	validator   *catalog.Validator
	engine      *delivery.Engine
	deliverySvc *delivery.Service
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	logger      *slog.Logger
}

// Option configures a Dispatcher instance.
type Option func(*Dispatcher) error

// New creates a new Dispatcher with the given options.
func New(opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.store == nil {
		return nil, ErrNoStore
	}
	d.wireServices()
	return d, nil
}

// WithStore sets the persistence backend for the Dispatcher instance.
func WithStore(s store.Store) Option {
	return func(d *Dispatcher) error {
		d.store = s
		return nil
	}
}

// WithLogger sets the structured logger for the Dispatcher instance.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) error {
		d.logger = logger
		return nil
	}
}

// WithConcurrency sets the number of concurrent delivery workers.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) error {
		d.config.Concurrency = n
		return nil
	}
}

// WithPollInterval sets how often the delivery engine sweeps for due retries.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.PollInterval = interval
		return nil
	}
}

// WithBatchSize sets the maximum number of deliveries dequeued per sweep.
func WithBatchSize(n int) Option {
	return func(d *Dispatcher) error {
		d.config.BatchSize = n
		return nil
	}
}

// WithRequestTimeout sets the HTTP timeout per delivery attempt.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.RequestTimeout = timeout
		return nil
	}
}

// WithRetentionPeriod sets how long delivery records are kept before the
// scheduled purge removes them.
func WithRetentionPeriod(period time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.RetentionPeriod = period
		return nil
	}
}

// WithPurgeSchedule sets the cron expression for the retention purge.
func WithPurgeSchedule(schedule string) Option {
	return func(d *Dispatcher) error {
		d.config.PurgeSchedule = schedule
		return nil
	}
}

// WithClaimTimeout sets how long a delivery may stay claimed by a worker
// before the engine reclaims it for another sweep.
func WithClaimTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.ClaimTimeout = timeout
		return nil
	}
}

// WithShutdownTimeout sets the maximum time to wait for in-flight deliveries on shutdown.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.ShutdownTimeout = timeout
		return nil
	}
}

// WithCatalogCacheTTL sets the TTL for the catalog's in-memory event type cache.
func WithCatalogCacheTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.CatalogCacheTTL = ttl
		return nil
	}
}

// WithStrictEventTypes rejects dispatches whose event type is not
// registered in the catalog.
func WithStrictEventTypes(strict bool) Option {
	return func(d *Dispatcher) error {
		d.config.StrictEventTypes = strict
		return nil
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) error {
		d.metrics = m
		return nil
	}
}

// WithTracer enables OpenTelemetry tracing of delivery attempts.
func WithTracer(t *observability.Tracer) Option {
	return func(d *Dispatcher) error {
		d.tracer = t
		return nil
	}
}
