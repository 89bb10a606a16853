package stats_test

import (
	"context"
	"testing"
	"time"

	"github.com/substratehq/dispatch/delivery"
	"github.com/substratehq/dispatch/id"
	"github.com/substratehq/dispatch/internal/entity"
	"github.com/substratehq/dispatch/stats"
	"github.com/substratehq/dispatch/store/memory"
	"github.com/substratehq/dispatch/webhook"
)

func seedDelivery(t *testing.T, store *memory.Store, wh *webhook.Webhook, eventType string, age time.Duration, state delivery.State, durations ...time.Duration) {
	t.Helper()
	ctx := context.Background()

	d := delivery.New(wh, wh.ProjectID, eventType, []byte(`{}`))
	d.CreatedAt = time.Now().UTC().Add(-age)
	if err := store.CreateDelivery(ctx, d); err != nil {
		t.Fatal(err)
	}

	for _, dur := range durations {
		att := delivery.Attempt{
			Timestamp: d.CreatedAt,
			Duration:  dur,
			Success:   state == delivery.StateSucceeded,
		}
		if _, err := store.AppendAttempt(ctx, d.ID, att); err != nil {
			t.Fatal(err)
		}
	}

	switch state {
	case delivery.StateSucceeded:
		if err := store.MarkTerminal(ctx, d.ID, true); err != nil {
			t.Fatal(err)
		}
	case delivery.StateExhausted:
		if err := store.MarkTerminal(ctx, d.ID, false); err != nil {
			t.Fatal(err)
		}
	}
}

func statsWebhook(t *testing.T, store *memory.Store) *webhook.Webhook {
	t.Helper()
	wh := &webhook.Webhook{
		Entity:     entity.New(),
		ID:         id.NewWebhookID(),
		ProjectID:  "proj-1",
		URL:        "http://example.invalid",
		Secret:     "whsec_secret",
		EventTypes: []string{"*.*"},
		Active:     true,
	}
	if err := store.PutWebhook(context.Background(), wh); err != nil {
		t.Fatal(err)
	}
	return wh
}

func TestAggregatorStats(t *testing.T) {
	store := memory.New()
	wh := statsWebhook(t, store)

	seedDelivery(t, store, wh, "build.finished", time.Hour, delivery.StateSucceeded, 100*time.Millisecond)
	seedDelivery(t, store, wh, "build.finished", 2*time.Hour, delivery.StateSucceeded, 300*time.Millisecond)
	seedDelivery(t, store, wh, "build.finished", 3*time.Hour, delivery.StateExhausted, 200*time.Millisecond, 200*time.Millisecond)
	seedDelivery(t, store, wh, "build.finished", 4*time.Hour, delivery.StatePending)

	// Outside the 24h window; must not be counted.
	seedDelivery(t, store, wh, "build.finished", 48*time.Hour, delivery.StateSucceeded, 50*time.Millisecond)

	agg := stats.NewAggregator(store)
	sum, err := agg.Stats(context.Background(), wh.ID, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	if sum.Total != 4 {
		t.Errorf("total = %d, want 4", sum.Total)
	}
	if sum.SuccessCount != 2 {
		t.Errorf("success count = %d, want 2", sum.SuccessCount)
	}
	if sum.FailureCount != 1 {
		t.Errorf("failure count = %d, want 1", sum.FailureCount)
	}
	if sum.PendingCount != 1 {
		t.Errorf("pending count = %d, want 1", sum.PendingCount)
	}

	// 2 of 3 settled deliveries succeeded.
	wantRate := 2.0 / 3.0
	if diff := sum.SuccessRate - wantRate; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("success rate = %f, want %f", sum.SuccessRate, wantRate)
	}

	// Four attempts: 100 + 300 + 200 + 200 = 800ms over 4.
	if sum.AvgDurationMs != 200 {
		t.Errorf("avg duration = %f, want 200", sum.AvgDurationMs)
	}
}

func TestAggregatorStatsEmptyWindow(t *testing.T) {
	store := memory.New()
	wh := statsWebhook(t, store)

	agg := stats.NewAggregator(store)
	sum, err := agg.Stats(context.Background(), wh.ID, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	if sum.Total != 0 {
		t.Errorf("total = %d, want 0", sum.Total)
	}
	if sum.SuccessRate != 0 {
		t.Errorf("success rate = %f, want 0 (not NaN)", sum.SuccessRate)
	}
	if sum.AvgDurationMs != 0 {
		t.Errorf("avg duration = %f, want 0", sum.AvgDurationMs)
	}
}

func TestAggregatorStatsByEventType(t *testing.T) {
	store := memory.New()
	wh := statsWebhook(t, store)

	seedDelivery(t, store, wh, "build.finished", time.Hour, delivery.StateSucceeded, 100*time.Millisecond)
	seedDelivery(t, store, wh, "deployment.succeeded", time.Hour, delivery.StateExhausted, 400*time.Millisecond)
	seedDelivery(t, store, wh, "deployment.succeeded", 2*time.Hour, delivery.StateSucceeded, 200*time.Millisecond)

	agg := stats.NewAggregator(store)
	byType, err := agg.StatsByEventType(context.Background(), wh.ID, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	if len(byType) != 2 {
		t.Fatalf("expected 2 event types, got %d", len(byType))
	}

	builds := byType["build.finished"]
	if builds == nil || builds.Total != 1 || builds.SuccessCount != 1 {
		t.Errorf("build.finished summary = %+v", builds)
	}

	deploys := byType["deployment.succeeded"]
	if deploys == nil || deploys.Total != 2 {
		t.Fatalf("deployment.succeeded summary = %+v", deploys)
	}
	if deploys.SuccessRate != 0.5 {
		t.Errorf("deployment success rate = %f, want 0.5", deploys.SuccessRate)
	}
}
