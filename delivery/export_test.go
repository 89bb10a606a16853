package delivery_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/substratehq/dispatch/delivery"
	"github.com/substratehq/dispatch/store/memory"
)

func TestServiceExportCSV(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := delivery.NewService(store, nil)

	wh, _ := createTestData(t, store, "http://example.invalid", 3)

	// A successful delivery with two attempts.
	ok := delivery.New(wh, wh.ProjectID, "deployment.succeeded", []byte(`{}`))
	ok.CreatedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.CreateDelivery(ctx, ok); err != nil {
		t.Fatal(err)
	}
	for _, att := range []delivery.Attempt{
		{Timestamp: ok.CreatedAt, StatusCode: 503, Duration: 120 * time.Millisecond, Error: "subscriber returned 503"},
		{Timestamp: ok.CreatedAt.Add(time.Second), StatusCode: 200, Success: true, Duration: 80 * time.Millisecond},
	} {
		if _, err := store.AppendAttempt(ctx, ok.ID, att); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.MarkTerminal(ctx, ok.ID, true); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := svc.ExportCSV(ctx, &buf, wh.ID, delivery.Filter{Status: delivery.StatusSucceeded}); err != nil {
		t.Fatal(err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header + 1 row, got %d rows", len(rows))
	}

	header := rows[0]
	wantHeader := []string{"id", "event_type", "success", "status_code", "duration_ms", "retry_count", "timestamp"}
	for i, col := range wantHeader {
		if header[i] != col {
			t.Errorf("header[%d] = %q, want %q", i, header[i], col)
		}
	}

	row := rows[1]
	if row[0] != ok.ID.String() {
		t.Errorf("id = %q, want %q", row[0], ok.ID)
	}
	if row[1] != "deployment.succeeded" {
		t.Errorf("event_type = %q", row[1])
	}
	if row[2] != "true" {
		t.Errorf("success = %q, want true", row[2])
	}
	if row[3] != "200" {
		t.Errorf("status_code = %q, want last attempt's 200", row[3])
	}
	if row[4] != "80" {
		t.Errorf("duration_ms = %q, want 80", row[4])
	}
	if row[5] != "1" {
		t.Errorf("retry_count = %q, want 1 (attempts beyond the first)", row[5])
	}
	if row[6] != "2026-03-01T12:00:00Z" {
		t.Errorf("timestamp = %q", row[6])
	}
}

func TestServiceExportCSVEmpty(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := delivery.NewService(store, nil)

	wh, _ := createTestData(t, store, "http://example.invalid", 3)
	if _, err := store.PurgeWebhookOlderThan(ctx, wh.ID, time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := svc.ExportCSV(ctx, &buf, wh.ID, delivery.Filter{}); err != nil {
		t.Fatal(err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected only the header row, got %d rows", len(rows))
	}
}

func TestServiceListPagination(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := delivery.NewService(store, nil)

	wh, first := createTestData(t, store, "http://example.invalid", 3)
	_ = first

	// createTestData made one delivery; add four more, each newer.
	base := time.Now().UTC()
	for i := 1; i < 5; i++ {
		d := delivery.New(wh, wh.ProjectID, "test.event", []byte(`{}`))
		d.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.CreateDelivery(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	page, err := svc.List(ctx, wh.ID, delivery.Filter{}, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 5 {
		t.Errorf("total = %d, want 5", page.Total)
	}
	if len(page.Deliveries) != 2 {
		t.Fatalf("page size = %d, want 2", len(page.Deliveries))
	}

	// Newest first.
	if page.Deliveries[0].CreatedAt.Before(page.Deliveries[1].CreatedAt) {
		t.Error("expected newest-first ordering")
	}

	// Last page is partial; a page beyond the data is empty, not an error.
	page3, err := svc.List(ctx, wh.ID, delivery.Filter{}, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page3.Deliveries) != 1 {
		t.Errorf("page 3 size = %d, want 1", len(page3.Deliveries))
	}

	page4, err := svc.List(ctx, wh.ID, delivery.Filter{}, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page4.Deliveries) != 0 {
		t.Errorf("page 4 size = %d, want 0", len(page4.Deliveries))
	}
}
