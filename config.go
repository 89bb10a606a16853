package dispatch

import "time"

// Config holds the configuration for a Dispatcher instance.
type Config struct {
	// Concurrency is the number of concurrent delivery workers, both for
	// the engine's sweep and for dispatch-time fan-out.
	Concurrency int

	// PollInterval is how often the delivery engine sweeps for due retries.
	PollInterval time.Duration

	// BatchSize is the maximum number of deliveries dequeued per sweep.
	BatchSize int

	// RequestTimeout is the HTTP timeout per delivery attempt.
	RequestTimeout time.Duration

	// RetentionPeriod is how long delivery records are kept before the
	// scheduled purge removes them.
	RetentionPeriod time.Duration

	// PurgeSchedule is the cron expression for the retention purge.
	PurgeSchedule string

	// ClaimTimeout is how long a delivery may stay claimed by a worker
	// before the engine reclaims it for another sweep. Covers workers
	// that die mid-attempt; must exceed RequestTimeout.
	ClaimTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for in-flight deliveries on shutdown.
	ShutdownTimeout time.Duration

	// CatalogCacheTTL is the TTL for the catalog's in-memory event type cache.
	// Set to 0 to disable caching.
	CatalogCacheTTL time.Duration

	// StrictEventTypes rejects dispatches whose event type is not
	// registered in the catalog. When false, unknown types are delivered
	// without schema validation.
	StrictEventTypes bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:      10,
		PollInterval:     30 * time.Second,
		BatchSize:        50,
		RequestTimeout:   10 * time.Second,
		RetentionPeriod:  90 * 24 * time.Hour,
		PurgeSchedule:    "0 3 * * *",
		ClaimTimeout:     5 * time.Minute,
		ShutdownTimeout:  30 * time.Second,
		CatalogCacheTTL:  30 * time.Second,
		StrictEventTypes: false,
	}
}
