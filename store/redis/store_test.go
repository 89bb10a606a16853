package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/substratehq/dispatch"
	"github.com/substratehq/dispatch/catalog"
	"github.com/substratehq/dispatch/delivery"
	"github.com/substratehq/dispatch/id"
	"github.com/substratehq/dispatch/internal/entity"
	redisstore "github.com/substratehq/dispatch/store/redis"
	"github.com/substratehq/dispatch/webhook"
)

func setupStore(t *testing.T) *redisstore.Store {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s := redisstore.New(rdb)
	t.Cleanup(func() { s.Close() })

	return s
}

func newWebhook(projectID string, patterns ...string) *webhook.Webhook {
	if len(patterns) == 0 {
		patterns = []string{"test.event"}
	}
	return &webhook.Webhook{
		Entity:     entity.New(),
		ID:         id.NewWebhookID(),
		ProjectID:  projectID,
		URL:        "http://example.invalid/hook",
		Secret:     "whsec_secret",
		EventTypes: patterns,
		Active:     true,
	}
}

func newDelivery(wh *webhook.Webhook) *delivery.Delivery {
	return delivery.New(wh, wh.ProjectID, "test.event", []byte(`{"n":1}`))
}

func TestWebhookRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	wh := newWebhook("proj-1")
	wh.Headers = map[string]string{"X-Custom": "yes"}
	wh.Policy = webhook.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute}
	if err := s.PutWebhook(ctx, wh); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetWebhook(ctx, wh.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.URL != wh.URL {
		t.Errorf("url = %q, want %q", got.URL, wh.URL)
	}
	// The signing secret must survive the round trip even though the
	// domain type excludes it from JSON.
	if got.Secret != wh.Secret {
		t.Errorf("secret = %q, want %q", got.Secret, wh.Secret)
	}
	if got.Policy.MaxAttempts != 3 {
		t.Errorf("policy max attempts = %d, want 3", got.Policy.MaxAttempts)
	}
	if got.Headers["X-Custom"] != "yes" {
		t.Errorf("headers = %v", got.Headers)
	}

	if _, err := s.GetWebhook(ctx, id.NewWebhookID()); !errors.Is(err, dispatch.ErrWebhookNotFound) {
		t.Errorf("expected ErrWebhookNotFound, got %v", err)
	}
}

func TestResolveSubscribers(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	exact := newWebhook("proj-1", "deployment.succeeded")
	wild := newWebhook("proj-1", "deployment.*")
	other := newWebhook("proj-1", "billing.charged")
	inactive := newWebhook("proj-1", "deployment.succeeded")
	inactive.Active = false
	foreign := newWebhook("proj-2", "deployment.succeeded")

	for _, wh := range []*webhook.Webhook{exact, wild, other, inactive, foreign} {
		if err := s.PutWebhook(ctx, wh); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ResolveSubscribers(ctx, "proj-1", "deployment.succeeded")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("resolved %d webhooks, want 2 (exact + wildcard)", len(got))
	}
	for _, wh := range got {
		if wh.ID.String() != exact.ID.String() && wh.ID.String() != wild.ID.String() {
			t.Errorf("unexpected webhook %s", wh.ID)
		}
	}
}

func TestDeliveryRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	wh := newWebhook("proj-1")
	if err := s.PutWebhook(ctx, wh); err != nil {
		t.Fatal(err)
	}
	d := newDelivery(wh)
	if err := s.CreateDelivery(ctx, d); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDelivery(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != delivery.StatePending {
		t.Errorf("state = %q, want pending", got.State)
	}
	if string(got.Payload) != `{"n":1}` {
		t.Errorf("payload = %s", got.Payload)
	}
	if got.MaxAttempts != d.MaxAttempts {
		t.Errorf("max attempts = %d, want %d", got.MaxAttempts, d.MaxAttempts)
	}
	if got.NextAttemptAt == nil {
		t.Error("pending delivery must have a next attempt time")
	}
	if len(got.Attempts) != 0 {
		t.Errorf("fresh delivery has %d attempts", len(got.Attempts))
	}
}

func TestAppendAttempt(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	wh := newWebhook("proj-1")
	if err := s.PutWebhook(ctx, wh); err != nil {
		t.Fatal(err)
	}
	d := newDelivery(wh)
	if err := s.CreateDelivery(ctx, d); err != nil {
		t.Fatal(err)
	}

	got, err := s.AppendAttempt(ctx, d.ID, delivery.Attempt{
		Timestamp:  time.Now().UTC(),
		StatusCode: 500,
		Error:      "server error",
		Duration:   40 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.AttemptCount != 1 || len(got.Attempts) != 1 {
		t.Fatalf("count = %d, history = %d; want 1, 1", got.AttemptCount, len(got.Attempts))
	}
	if got.LastStatusCode != 500 || got.LastError != "server error" {
		t.Errorf("last status = %d, last error = %q", got.LastStatusCode, got.LastError)
	}
	if got.Attempts[0].Duration != 40*time.Millisecond {
		t.Errorf("attempt duration = %v", got.Attempts[0].Duration)
	}

	got, err = s.AppendAttempt(ctx, d.ID, delivery.Attempt{
		Timestamp:  time.Now().UTC(),
		StatusCode: 200,
		Success:    true,
		Duration:   10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.AttemptCount != 2 || len(got.Attempts) != 2 {
		t.Fatalf("count = %d, history = %d; want 2, 2", got.AttemptCount, len(got.Attempts))
	}

	if _, err := s.AppendAttempt(ctx, id.NewDeliveryID(), delivery.Attempt{}); !errors.Is(err, dispatch.ErrDeliveryNotFound) {
		t.Errorf("expected ErrDeliveryNotFound, got %v", err)
	}
}

func TestDueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	wh := newWebhook("proj-1")
	if err := s.PutWebhook(ctx, wh); err != nil {
		t.Fatal(err)
	}

	due := newDelivery(wh)
	if err := s.CreateDelivery(ctx, due); err != nil {
		t.Fatal(err)
	}

	future := newDelivery(wh)
	later := time.Now().UTC().Add(time.Hour)
	future.NextAttemptAt = &later
	if err := s.CreateDelivery(ctx, future); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	first, err := s.Due(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Due(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("due counts = %d, %d; want 1, 1", len(first), len(second))
	}
	if first[0].ID.String() != due.ID.String() || second[0].ID.String() != due.ID.String() {
		t.Error("Due must return the same set when nothing changed")
	}
}

func TestDequeueClaims(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	wh := newWebhook("proj-1")
	if err := s.PutWebhook(ctx, wh); err != nil {
		t.Fatal(err)
	}
	d := newDelivery(wh)
	if err := s.CreateDelivery(ctx, d); err != nil {
		t.Fatal(err)
	}

	first, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("dequeued %d, want 1", len(first))
	}
	if first[0].State != delivery.StateAttempting {
		t.Errorf("claimed state = %q, want attempting", first[0].State)
	}

	// A second dequeue must not hand out the same delivery.
	second, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Fatalf("second dequeue returned %d deliveries, want 0", len(second))
	}

	// Scheduling a retry releases the claim.
	next := time.Now().UTC().Add(-time.Second)
	if err := s.ScheduleRetry(ctx, d.ID, next); err != nil {
		t.Fatal(err)
	}

	third, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(third) != 1 {
		t.Fatalf("dequeue after retry release returned %d, want 1", len(third))
	}
}

func TestReclaimStale(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	wh := newWebhook("proj-1")
	if err := s.PutWebhook(ctx, wh); err != nil {
		t.Fatal(err)
	}
	d := newDelivery(wh)
	if err := s.CreateDelivery(ctx, d); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 {
		t.Fatalf("dequeued %d, want 1", len(claimed))
	}

	// A fresh claim is not reclaimed.
	n, err := s.ReclaimStale(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("reclaimed %d fresh claims, want 0", n)
	}

	// A claim older than the cutoff is re-entered in the due index.
	n, err = s.ReclaimStale(ctx, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}

	again, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 1 {
		t.Fatalf("dequeue after reclaim returned %d, want 1", len(again))
	}
}

func TestDequeueSkipsTerminalAndFuture(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	wh := newWebhook("proj-1")
	if err := s.PutWebhook(ctx, wh); err != nil {
		t.Fatal(err)
	}

	done := newDelivery(wh)
	if err := s.CreateDelivery(ctx, done); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkTerminal(ctx, done.ID, true); err != nil {
		t.Fatal(err)
	}

	future := newDelivery(wh)
	later := time.Now().UTC().Add(time.Hour)
	future.NextAttemptAt = &later
	if err := s.CreateDelivery(ctx, future); err != nil {
		t.Fatal(err)
	}

	got, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("dequeued %d, want 0", len(got))
	}
}

func TestMarkTerminalInvariants(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	wh := newWebhook("proj-1")
	if err := s.PutWebhook(ctx, wh); err != nil {
		t.Fatal(err)
	}
	d := newDelivery(wh)
	if err := s.CreateDelivery(ctx, d); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkTerminal(ctx, d.ID, true); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDelivery(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != delivery.StateSucceeded || !got.Succeeded {
		t.Errorf("state = %q, succeeded = %v", got.State, got.Succeeded)
	}
	if got.NextAttemptAt != nil {
		t.Error("terminal delivery must have no next attempt time")
	}
	if got.CompletedAt == nil {
		t.Error("terminal delivery must have a completion time")
	}

	pending, err := s.CountPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pending != 0 {
		t.Errorf("pending count = %d, want 0", pending)
	}
}

func TestListDeliveriesFilter(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	wh := newWebhook("proj-1")
	if err := s.PutWebhook(ctx, wh); err != nil {
		t.Fatal(err)
	}

	ok := newDelivery(wh)
	if err := s.CreateDelivery(ctx, ok); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkTerminal(ctx, ok.ID, true); err != nil {
		t.Fatal(err)
	}

	failed := newDelivery(wh)
	if err := s.CreateDelivery(ctx, failed); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkTerminal(ctx, failed.ID, false); err != nil {
		t.Fatal(err)
	}

	pending := newDelivery(wh)
	if err := s.CreateDelivery(ctx, pending); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter delivery.Filter
		want   int
	}{
		{"all", delivery.Filter{}, 3},
		{"succeeded", delivery.Filter{Status: delivery.StatusSucceeded}, 1},
		{"failed", delivery.Filter{Status: delivery.StatusFailed}, 1},
		{"pending", delivery.Filter{Status: delivery.StatusPending}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, total, err := s.ListDeliveries(ctx, wh.ID, tt.filter, 0, 10)
			if err != nil {
				t.Fatal(err)
			}
			if total != tt.want || len(items) != tt.want {
				t.Errorf("total = %d, items = %d, want %d", total, len(items), tt.want)
			}
		})
	}
}

func TestPurgeRetention(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	wh := newWebhook("proj-1")
	if err := s.PutWebhook(ctx, wh); err != nil {
		t.Fatal(err)
	}

	old := newDelivery(wh)
	old.CreatedAt = time.Now().UTC().Add(-91 * 24 * time.Hour)
	if err := s.CreateDelivery(ctx, old); err != nil {
		t.Fatal(err)
	}

	recent := newDelivery(wh)
	if err := s.CreateDelivery(ctx, recent); err != nil {
		t.Fatal(err)
	}

	cutoff := time.Now().UTC().Add(-90 * 24 * time.Hour)
	n, err := s.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}

	if _, err := s.GetDelivery(ctx, old.ID); !errors.Is(err, dispatch.ErrDeliveryNotFound) {
		t.Error("old delivery should be gone")
	}
	if _, err := s.GetDelivery(ctx, recent.ID); err != nil {
		t.Error("recent delivery should survive the purge")
	}

	// The purged delivery must also be gone from the listing index.
	_, total, err := s.ListDeliveries(ctx, wh.ID, delivery.Filter{}, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("listed total = %d, want 1", total)
	}
}

func TestEventTypeUpsert(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	et := &catalog.EventType{
		Entity: entity.New(),
		ID:     id.NewEventTypeID(),
		Definition: catalog.Definition{
			Name:    "build.finished",
			Version: "2026-01-01",
		},
	}
	if err := s.RegisterType(ctx, et); err != nil {
		t.Fatal(err)
	}

	// Re-register with a new description; the ID must be stable.
	update := &catalog.EventType{
		Entity: entity.New(),
		ID:     id.NewEventTypeID(),
		Definition: catalog.Definition{
			Name:        "build.finished",
			Description: "fires when a build completes",
			Version:     "2026-01-01",
		},
	}
	if err := s.RegisterType(ctx, update); err != nil {
		t.Fatal(err)
	}
	if update.ID.String() != et.ID.String() {
		t.Error("upsert must preserve the original event type ID")
	}

	got, err := s.GetType(ctx, "build.finished")
	if err != nil {
		t.Fatal(err)
	}
	if got.Definition.Description != "fires when a build completes" {
		t.Errorf("description = %q", got.Definition.Description)
	}

	if err := s.DeleteType(ctx, "build.finished"); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetType(ctx, "build.finished")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsDeprecated {
		t.Error("deleted event type should be deprecated, not removed")
	}

	types, err := s.ListTypes(ctx, catalog.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(types) != 0 {
		t.Errorf("default listing includes %d deprecated types", len(types))
	}
}
