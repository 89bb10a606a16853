package delivery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/substratehq/dispatch/id"
)

// Service exposes delivery history reads, export, and cleanup.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a delivery service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Get returns a delivery with its full attempt history.
func (s *Service) Get(ctx context.Context, delID id.ID) (*Delivery, error) {
	return s.store.GetDelivery(ctx, delID)
}

// List returns one page of a webhook's delivery history, newest first.
// Pages are 1-based; a page beyond the data returns an empty page, not an
// error.
func (s *Service) List(ctx context.Context, whID id.ID, f Filter, page, pageSize int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	items, total, err := s.store.ListDeliveries(ctx, whID, f, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, fmt.Errorf("list deliveries for %s: %w", whID, err)
	}

	return &Page{
		Deliveries: items,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}

// Due returns deliveries whose next attempt is due at or before now,
// without claiming them.
func (s *Service) Due(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	return s.store.Due(ctx, now, limit)
}

// ClearOld deletes a webhook's deliveries older than the given number of
// days and returns the count removed.
func (s *Service) ClearOld(ctx context.Context, whID id.ID, daysOld int) (int64, error) {
	if daysOld < 0 {
		daysOld = 0
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -daysOld)
	n, err := s.store.PurgeWebhookOlderThan(ctx, whID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clear deliveries for %s: %w", whID, err)
	}
	s.logger.InfoContext(ctx, "deliveries cleared",
		"webhook_id", whID, "days_old", daysOld, "deleted", n)
	return n, nil
}

// ExportCSV streams a webhook's delivery history as CSV, newest first. The
// filter narrows which deliveries are included.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, whID id.ID, f Filter) error {
	const batch = 500

	ex := newCSVExporter(w)
	if err := ex.writeHeader(); err != nil {
		return err
	}

	for offset := 0; ; offset += batch {
		items, _, err := s.store.ListDeliveries(ctx, whID, f, offset, batch)
		if err != nil {
			return fmt.Errorf("export deliveries for %s: %w", whID, err)
		}
		for _, d := range items {
			if err := ex.writeDelivery(d); err != nil {
				return err
			}
		}
		if len(items) < batch {
			break
		}
	}

	return ex.flush()
}
