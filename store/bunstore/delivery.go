package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"github.com/substratehq/dispatch"
	"github.com/substratehq/dispatch/delivery"
	"github.com/substratehq/dispatch/id"
)

// CreateDelivery persists a new delivery record.
func (s *Store) CreateDelivery(ctx context.Context, d *delivery.Delivery) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
		d.UpdatedAt = d.CreatedAt
	}
	m := toDeliveryModel(d)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	return err
}

// GetDelivery returns a delivery with its full attempt history.
func (s *Store) GetDelivery(ctx context.Context, delID id.ID) (*delivery.Delivery, error) {
	m := new(deliveryModel)
	err := s.db.NewSelect().
		Model(m).
		Where("id = ?", delID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dispatch.ErrDeliveryNotFound
		}
		return nil, err
	}

	attempts, err := s.loadAttempts(ctx, delID.String())
	if err != nil {
		return nil, err
	}
	return fromDeliveryModel(m, attempts)
}

// AppendAttempt atomically appends an attempt row and increments the
// delivery's attempt counter in one transaction. The counter update runs
// database-side so concurrent appends cannot lose increments.
func (s *Store) AppendAttempt(ctx context.Context, delID id.ID, att delivery.Attempt) (*delivery.Delivery, error) {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*deliveryModel)(nil)).
			Set("attempt_count = attempt_count + 1").
			Set("state = ?", string(delivery.StateAttempting)).
			Set("last_status_code = ?", att.StatusCode).
			Set("last_error = ?", att.Error).
			Set("updated_at = ?", time.Now().UTC()).
			Where("id = ?", delID.String()).
			Exec(ctx)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return dispatch.ErrDeliveryNotFound
		}

		_, err = tx.NewInsert().Model(toAttemptModel(delID, att)).Exec(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	return s.GetDelivery(ctx, delID)
}

// ScheduleRetry schedules the next attempt for a failed delivery and
// releases the claim on it.
func (s *Store) ScheduleRetry(ctx context.Context, delID id.ID, nextAt time.Time) error {
	res, err := s.db.NewUpdate().
		Model((*deliveryModel)(nil)).
		Set("state = ?", string(delivery.StateRetrying)).
		Set("next_attempt_at = ?", nextAt.UTC()).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", delID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return dispatch.ErrDeliveryNotFound
	}
	return nil
}

// MarkTerminal finalizes a delivery as succeeded or exhausted.
func (s *Store) MarkTerminal(ctx context.Context, delID id.ID, success bool) error {
	state := delivery.StateExhausted
	if success {
		state = delivery.StateSucceeded
	}
	now := time.Now().UTC()

	res, err := s.db.NewUpdate().
		Model((*deliveryModel)(nil)).
		Set("state = ?", string(state)).
		Set("succeeded = ?", success).
		Set("next_attempt_at = NULL").
		Set("completed_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", delID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return dispatch.ErrDeliveryNotFound
	}
	return nil
}

// Dequeue atomically claims up to limit due deliveries. On Postgres the
// claim uses FOR UPDATE SKIP LOCKED so multiple engine instances can
// sweep concurrently; on SQLite a plain transaction suffices since the
// database serializes writers.
func (s *Store) Dequeue(ctx context.Context, limit int) ([]*delivery.Delivery, error) {
	now := time.Now().UTC()

	var models []deliveryModel
	if s.db.Dialect().Name() == dialect.PG {
		err := s.db.NewRaw(`
			UPDATE dispatch_deliveries
			SET state = 'attempting', updated_at = ?
			WHERE id IN (
				SELECT id FROM dispatch_deliveries
				WHERE state IN ('pending', 'retrying') AND next_attempt_at <= ?
				ORDER BY next_attempt_at ASC
				LIMIT ?
				FOR UPDATE SKIP LOCKED
			)
			RETURNING *
		`, now, now, limit).Scan(ctx, &models)
		if err != nil {
			return nil, err
		}
	} else {
		err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if err := tx.NewSelect().
				Model(&models).
				Where("state IN ('pending', 'retrying')").
				Where("next_attempt_at <= ?", now).
				Order("next_attempt_at ASC").
				Limit(limit).
				Scan(ctx); err != nil {
				return err
			}
			for i := range models {
				models[i].State = string(delivery.StateAttempting)
				models[i].UpdatedAt = now
				if _, err := tx.NewUpdate().
					Model((*deliveryModel)(nil)).
					Set("state = ?", string(delivery.StateAttempting)).
					Set("updated_at = ?", now).
					Where("id = ?", models[i].ID).
					Exec(ctx); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return s.hydrate(ctx, models)
}

// ReclaimStale releases claims on deliveries stuck in the attempting
// state since before the cutoff, making them due immediately.
func (s *Store) ReclaimStale(ctx context.Context, before time.Time) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().
		Model((*deliveryModel)(nil)).
		Set("state = ?", string(delivery.StateRetrying)).
		Set("next_attempt_at = ?", now).
		Set("updated_at = ?", now).
		Where("state = ?", string(delivery.StateAttempting)).
		Where("updated_at < ?", before.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Due returns due deliveries without claiming them. Pure query: calling
// it repeatedly returns the same records.
func (s *Store) Due(ctx context.Context, before time.Time, limit int) ([]*delivery.Delivery, error) {
	var models []deliveryModel
	q := s.db.NewSelect().
		Model(&models).
		Where("state IN ('pending', 'retrying')").
		Where("next_attempt_at <= ?", before.UTC()).
		Order("next_attempt_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return s.hydrate(ctx, models)
}

// ListDeliveries returns a filtered page of a webhook's deliveries,
// newest first, along with the total number of matches.
func (s *Store) ListDeliveries(ctx context.Context, whID id.ID, f delivery.Filter, offset, limit int) ([]*delivery.Delivery, int, error) {
	var models []deliveryModel
	q := s.db.NewSelect().Model(&models).Where("webhook_id = ?", whID.String())

	switch f.Status {
	case delivery.StatusSucceeded:
		q = q.Where("state = ?", string(delivery.StateSucceeded))
	case delivery.StatusFailed:
		q = q.Where("state = ?", string(delivery.StateExhausted))
	case delivery.StatusPending:
		q = q.Where("state NOT IN (?, ?)", string(delivery.StateSucceeded), string(delivery.StateExhausted))
	}
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("created_at <= ?", f.To.UTC())
	}

	q = q.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}

	total, err := q.ScanAndCount(ctx)
	if err != nil {
		return nil, 0, err
	}

	result, err := s.hydrate(ctx, models)
	if err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

// CountPending returns the number of non-terminal deliveries.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	count, err := s.db.NewSelect().
		Model((*deliveryModel)(nil)).
		Where("state NOT IN (?, ?)", string(delivery.StateSucceeded), string(delivery.StateExhausted)).
		Count(ctx)
	return int64(count), err
}

// PurgeOlderThan deletes all deliveries created before the cutoff,
// attempt history included.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purge(ctx, id.Nil, cutoff)
}

// PurgeWebhookOlderThan deletes one webhook's deliveries created before
// the cutoff.
func (s *Store) PurgeWebhookOlderThan(ctx context.Context, whID id.ID, cutoff time.Time) (int64, error) {
	return s.purge(ctx, whID, cutoff)
}

func (s *Store) purge(ctx context.Context, whID id.ID, cutoff time.Time) (int64, error) {
	var purged int64
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		sub := tx.NewSelect().
			Model((*deliveryModel)(nil)).
			Column("id").
			Where("created_at < ?", cutoff.UTC())
		if !whID.IsNil() {
			sub = sub.Where("webhook_id = ?", whID.String())
		}

		if _, err := tx.NewDelete().
			Model((*attemptModel)(nil)).
			Where("delivery_id IN (?)", sub).
			Exec(ctx); err != nil {
			return err
		}

		del := tx.NewDelete().
			Model((*deliveryModel)(nil)).
			Where("created_at < ?", cutoff.UTC())
		if !whID.IsNil() {
			del = del.Where("webhook_id = ?", whID.String())
		}
		res, err := del.Exec(ctx)
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()
		return err
	})
	return purged, err
}

// hydrate converts delivery models and attaches their attempt histories.
func (s *Store) hydrate(ctx context.Context, models []deliveryModel) ([]*delivery.Delivery, error) {
	result := make([]*delivery.Delivery, len(models))
	for i := range models {
		attempts, err := s.loadAttempts(ctx, models[i].ID)
		if err != nil {
			return nil, err
		}
		d, err := fromDeliveryModel(&models[i], attempts)
		if err != nil {
			return nil, err
		}
		result[i] = d
	}
	return result, nil
}

// loadAttempts returns a delivery's attempt rows in append order.
func (s *Store) loadAttempts(ctx context.Context, delID string) ([]attemptModel, error) {
	var attempts []attemptModel
	if err := s.db.NewSelect().
		Model(&attempts).
		Where("delivery_id = ?", delID).
		Order("seq ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	return attempts, nil
}
