package delivery_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/substratehq/dispatch/delivery"
	"github.com/substratehq/dispatch/id"
	"github.com/substratehq/dispatch/store/memory"
	"github.com/substratehq/dispatch/webhook"
)

func setupEngine(t *testing.T, handler http.Handler) (*memory.Store, *delivery.Engine, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)

	store := memory.New()
	cfg := delivery.EngineConfig{
		Concurrency:     2,
		PollInterval:    20 * time.Millisecond,
		BatchSize:       10,
		RequestTimeout:  5 * time.Second,
		RetentionPeriod: 90 * 24 * time.Hour,
		PurgeSchedule:   "0 3 * * *",
	}

	engine := delivery.NewEngine(store, cfg, nil)
	return store, engine, srv
}

func createTestData(t *testing.T, store *memory.Store, url string, maxAttempts int) (*webhook.Webhook, *delivery.Delivery) {
	t.Helper()
	ctx := context.Background()

	wh := testWebhook(url)
	wh.Policy = webhook.RetryPolicy{
		MaxAttempts:  maxAttempts,
		InitialDelay: 10 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     50 * time.Millisecond,
	}
	if err := store.PutWebhook(ctx, wh); err != nil {
		t.Fatal(err)
	}

	del := delivery.New(wh, wh.ProjectID, "test.event", []byte(`{"hello":"world"}`))
	if err := store.CreateDelivery(ctx, del); err != nil {
		t.Fatal(err)
	}

	return wh, del
}

// waitForState polls the store until the delivery reaches the wanted state.
func waitForState(t *testing.T, store *memory.Store, del *delivery.Delivery, want delivery.State, timeout time.Duration) *delivery.Delivery {
	t.Helper()
	ctx := context.Background()

	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			got, _ := store.GetDelivery(ctx, del.ID)
			t.Fatalf("timeout waiting for state %s, current: %+v", want, got)
		default:
		}

		got, err := store.GetDelivery(ctx, del.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.State == want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEngineDeliversSuccessfully(t *testing.T) {
	var hits atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	store, engine, srv := setupEngine(t, handler)
	defer srv.Close()

	_, del := createTestData(t, store, srv.URL, 3)

	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}

	got := waitForState(t, store, del, delivery.StateSucceeded, 2*time.Second)
	engine.Stop(ctx)

	if hits.Load() != 1 {
		t.Fatalf("expected 1 request, got %d", hits.Load())
	}
	if !got.Succeeded {
		t.Error("expected succeeded flag")
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", got.AttemptCount)
	}
	if len(got.Attempts) != got.AttemptCount {
		t.Errorf("attempt history length %d != attempt count %d", len(got.Attempts), got.AttemptCount)
	}
	if got.NextAttemptAt != nil {
		t.Error("terminal delivery must not be scheduled")
	}
}

func TestEngineRetriesAndSucceeds(t *testing.T) {
	var attempts atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		count := attempts.Add(1)
		if count < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	store, engine, srv := setupEngine(t, handler)
	defer srv.Close()

	_, del := createTestData(t, store, srv.URL, 5)

	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}

	got := waitForState(t, store, del, delivery.StateSucceeded, 5*time.Second)
	engine.Stop(ctx)

	if attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts.Load())
	}
	if got.AttemptCount != 3 {
		t.Errorf("attempt count = %d, want 3", got.AttemptCount)
	}
	if len(got.Attempts) != 3 {
		t.Fatalf("attempt history length = %d, want 3", len(got.Attempts))
	}

	// First two attempts failed, the last succeeded.
	if got.Attempts[0].Success || got.Attempts[1].Success {
		t.Error("expected first two attempts to fail")
	}
	if !got.Attempts[2].Success {
		t.Error("expected final attempt to succeed")
	}
	if got.Attempts[0].StatusCode != http.StatusInternalServerError {
		t.Errorf("first attempt status = %d, want 500", got.Attempts[0].StatusCode)
	}
}

func TestEngineExhaustsAttemptBudget(t *testing.T) {
	var attempts atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	store, engine, srv := setupEngine(t, handler)
	defer srv.Close()

	_, del := createTestData(t, store, srv.URL, 3)

	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}

	got := waitForState(t, store, del, delivery.StateExhausted, 5*time.Second)

	// Give the engine a moment to prove it does not attempt again.
	time.Sleep(100 * time.Millisecond)
	engine.Stop(ctx)

	if attempts.Load() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts.Load())
	}
	if got.Succeeded {
		t.Error("exhausted delivery must not be marked succeeded")
	}
	if got.AttemptCount != 3 {
		t.Errorf("attempt count = %d, want 3", got.AttemptCount)
	}
	if got.NextAttemptAt != nil {
		t.Error("exhausted delivery must not be scheduled")
	}
}

func TestEngineInactiveWebhookDropsDelivery(t *testing.T) {
	var hits atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	store, engine, srv := setupEngine(t, handler)
	defer srv.Close()

	ctx := context.Background()
	wh, del := createTestData(t, store, srv.URL, 3)

	// Disable the webhook after scheduling but before the sweep runs.
	if err := store.SetActive(ctx, wh.ID, false); err != nil {
		t.Fatal(err)
	}

	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}

	got := waitForState(t, store, del, delivery.StateExhausted, 2*time.Second)
	engine.Stop(ctx)

	if hits.Load() != 0 {
		t.Fatalf("expected no requests to an inactive webhook, got %d", hits.Load())
	}
	if got.AttemptCount != 0 {
		t.Errorf("attempt count = %d, want 0", got.AttemptCount)
	}
}

func TestEngineGracefulShutdown(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	store, engine, srv := setupEngine(t, handler)
	defer srv.Close()

	ctx := context.Background()

	for range 5 {
		createTestData(t, store, srv.URL, 3)
	}

	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}

	// Give the engine a moment to start processing.
	time.Sleep(200 * time.Millisecond)

	// Stop should wait for in-flight work.
	engine.Stop(ctx)

	pending, err := store.CountPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("pending after shutdown: %d", pending)
}

// failingAppendStore fails a set number of AppendAttempt calls before
// delegating to the in-memory store.
type failingAppendStore struct {
	*memory.Store
	failures atomic.Int32
}

func (s *failingAppendStore) AppendAttempt(ctx context.Context, delID id.ID, att delivery.Attempt) (*delivery.Delivery, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("write timeout")
	}
	return s.Store.AppendAttempt(ctx, delID, att)
}

func TestEngineReleasesClaimOnStoreFailure(t *testing.T) {
	var hits atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	mem := memory.New()
	store := &failingAppendStore{Store: mem}
	store.failures.Store(1)

	engine := delivery.NewEngine(store, delivery.EngineConfig{
		Concurrency:    2,
		PollInterval:   20 * time.Millisecond,
		BatchSize:      10,
		RequestTimeout: 5 * time.Second,
	}, nil)

	_, del := createTestData(t, mem, srv.URL, 3)

	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}

	got := waitForState(t, mem, del, delivery.StateSucceeded, 2*time.Second)
	engine.Stop(ctx)

	// The first request went out but its write failed, so the claim must
	// come back and the attempt must run again.
	if hits.Load() != 2 {
		t.Fatalf("expected 2 requests, got %d", hits.Load())
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1: an unrecorded attempt must not consume the budget", got.AttemptCount)
	}
}

func TestEngineZeroConfigDefaults(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	store := memory.New()
	engine := delivery.NewEngine(store, delivery.EngineConfig{}, nil)

	_, del := createTestData(t, store, srv.URL, 3)

	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start with zero config: %v", err)
	}
	defer engine.Stop(ctx)

	// The default poll interval is too long for a test; sweep directly to
	// exercise the defaulted worker pool.
	engine.Sweep(ctx)

	got, err := store.GetDelivery(ctx, del.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != delivery.StateSucceeded {
		t.Fatalf("state = %s, want %s", got.State, delivery.StateSucceeded)
	}
}

func TestEnginePurgeRetention(t *testing.T) {
	store, engine, srv := setupEngine(t, http.NotFoundHandler())
	defer srv.Close()
	_ = engine

	ctx := context.Background()
	wh, _ := createTestData(t, store, srv.URL, 3)

	// One delivery well past the retention window.
	old := delivery.New(wh, wh.ProjectID, "test.event", []byte(`{}`))
	old.CreatedAt = time.Now().UTC().Add(-91 * 24 * time.Hour)
	if err := store.CreateDelivery(ctx, old); err != nil {
		t.Fatal(err)
	}

	cutoff := time.Now().UTC().Add(-90 * 24 * time.Hour)
	n, err := store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d deliveries, want 1", n)
	}

	if _, err := store.GetDelivery(ctx, old.ID); err == nil {
		t.Error("expected purged delivery to be gone")
	}
}
