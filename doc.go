// Package dispatch provides an outbound webhook delivery subsystem for Go.
//
// Dispatch is a library — not a service. Import it into your platform to
// deliver signed event notifications to customer-registered webhooks, with
// persisted exponential-backoff retries, append-only attempt history, and a
// management surface for inspection and replay.
//
// Key features:
//   - HMAC-SHA256 signed deliveries over the exact payload bytes
//   - Durable retry scheduling: due times live in the store, so restarts
//     lose nothing and no in-process timers are held
//   - Append-only per-delivery attempt history with 90-day retention
//   - Concurrent fan-out with per-webhook failure isolation
//   - Dynamic event type catalog with JSON Schema payload validation
//   - Composable store pattern with multiple backends (Bun, Redis, Memory)
//   - Per-webhook rate limiting
//
// Quick start:
//
//	dp, err := dispatch.New(
//	    dispatch.WithStore(memoryStore),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	dp.Start(ctx)
//
//	dp.RegisterEventType(ctx, catalog.Definition{
//	    Name:    "deployment.succeeded",
//	    Version: "2026-01-01",
//	})
//
//	dp.Dispatch(ctx, "proj_123", "deployment.succeeded",
//	    json.RawMessage(`{"deployment_id":"dep_01h..."}`))
package dispatch
