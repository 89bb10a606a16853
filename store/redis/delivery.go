package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/substratehq/dispatch"
	"github.com/substratehq/dispatch/delivery"
	"github.com/substratehq/dispatch/id"
	"github.com/substratehq/dispatch/internal/entity"
)

// Deliveries are stored as a hash per record (one field per column) with
// the attempt history in a sibling list of JSON entries. The hash layout
// lets the append script bump counters with HINCRBY instead of rewriting
// a JSON blob.

// appendAttemptScript atomically appends an attempt and increments the
// attempt counter. Returns the new attempt count, or -1 if the delivery
// does not exist.
//
// KEYS[1] delivery hash, KEYS[2] attempts list
// ARGV[1] attempt JSON, ARGV[2] status code, ARGV[3] error, ARGV[4] updated_at
var appendAttemptScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
redis.call('RPUSH', KEYS[2], ARGV[1])
local n = redis.call('HINCRBY', KEYS[1], 'attempt_count', 1)
redis.call('HSET', KEYS[1],
	'state', 'attempting',
	'last_status_code', ARGV[2],
	'last_error', ARGV[3],
	'updated_at', ARGV[4])
local ttl = redis.call('TTL', KEYS[1])
if ttl > 0 then
	redis.call('EXPIRE', KEYS[2], ttl)
end
return n
`)

// scheduleRetryScript moves a delivery back into the retrying state and
// re-enters it in the due index, releasing the worker's claim.
//
// KEYS[1] delivery hash, KEYS[2] due index
// ARGV[1] next_attempt_at, ARGV[2] updated_at, ARGV[3] due score, ARGV[4] delivery ID
var scheduleRetryScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1],
	'state', 'retrying',
	'next_attempt_at', ARGV[1],
	'updated_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// markTerminalScript finalizes a delivery: sets the terminal state, clears
// the schedule, and removes it from the due and open indexes.
//
// KEYS[1] delivery hash, KEYS[2] due index, KEYS[3] open set
// ARGV[1] state, ARGV[2] succeeded, ARGV[3] completed_at, ARGV[4] delivery ID
var markTerminalScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1],
	'state', ARGV[1],
	'succeeded', ARGV[2],
	'completed_at', ARGV[3],
	'updated_at', ARGV[3])
redis.call('HDEL', KEYS[1], 'next_attempt_at')
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('SREM', KEYS[3], ARGV[4])
return 1
`)

// dequeueScript claims up to ARGV[2] due deliveries by removing them from
// the due index. Removal is the claim: a delivery absent from the index
// cannot be dequeued by another worker.
//
// KEYS[1] due index
// ARGV[1] max score (now), ARGV[2] limit
var dequeueScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #due > 0 then
	redis.call('ZREM', KEYS[1], unpack(due))
end
return due
`)

// CreateDelivery persists a new delivery record and enters it in the
// webhook, retention, and open indexes. Deliveries created in the pending
// or retrying state are also entered in the due index.
func (s *Store) CreateDelivery(ctx context.Context, d *delivery.Delivery) error {
	if d.CreatedAt.IsZero() {
		d.Entity = entity.New()
	}

	delID := d.ID.String()

	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		key := entityKey(prefixDelivery, delID)
		pipe.HSet(ctx, key, deliveryHash(d))
		pipe.Expire(ctx, key, s.retention)

		created := scoreFromTime(d.CreatedAt)
		pipe.ZAdd(ctx, zDeliveryWebhook+d.WebhookID.String(), goredis.Z{Score: created, Member: delID})
		pipe.ZAdd(ctx, zDeliveryAll, goredis.Z{Score: created, Member: delID})
		pipe.SAdd(ctx, sDeliveryOpen, delID)

		if !d.State.Terminal() && d.State != delivery.StateAttempting && d.NextAttemptAt != nil {
			pipe.ZAdd(ctx, zDeliveryDue, goredis.Z{Score: scoreFromTime(*d.NextAttemptAt), Member: delID})
		}
		return nil
	})
	return err
}

// GetDelivery returns a delivery with its full attempt history.
func (s *Store) GetDelivery(ctx context.Context, delID id.ID) (*delivery.Delivery, error) {
	fields, err := s.rdb.HGetAll(ctx, entityKey(prefixDelivery, delID.String())).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, dispatch.ErrDeliveryNotFound
	}

	d, err := deliveryFromHash(fields)
	if err != nil {
		return nil, err
	}

	raw, err := s.rdb.LRange(ctx, entityKey(prefixAttempts, delID.String()), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	d.Attempts = make([]delivery.Attempt, 0, len(raw))
	for _, item := range raw {
		var att delivery.Attempt
		if err := json.Unmarshal([]byte(item), &att); err != nil {
			return nil, fmt.Errorf("dispatch/redis: decode attempt: %w", err)
		}
		d.Attempts = append(d.Attempts, att)
	}

	return d, nil
}

// AppendAttempt atomically appends an attempt to a delivery's history and
// returns the updated record.
func (s *Store) AppendAttempt(ctx context.Context, delID id.ID, att delivery.Attempt) (*delivery.Delivery, error) {
	raw, err := json.Marshal(att)
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: marshal attempt: %w", err)
	}

	keys := []string{
		entityKey(prefixDelivery, delID.String()),
		entityKey(prefixAttempts, delID.String()),
	}
	n, err := appendAttemptScript.Run(ctx, s.rdb, keys,
		string(raw),
		strconv.Itoa(att.StatusCode),
		att.Error,
		now().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, dispatch.ErrDeliveryNotFound
	}

	return s.GetDelivery(ctx, delID)
}

// ScheduleRetry schedules the next attempt for a failed delivery and
// releases the claim on it.
func (s *Store) ScheduleRetry(ctx context.Context, delID id.ID, nextAt time.Time) error {
	keys := []string{
		entityKey(prefixDelivery, delID.String()),
		zDeliveryDue,
	}
	ok, err := scheduleRetryScript.Run(ctx, s.rdb, keys,
		nextAt.UTC().Format(time.RFC3339Nano),
		now().Format(time.RFC3339Nano),
		scoreFromTime(nextAt),
		delID.String(),
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
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

	keys := []string{
		entityKey(prefixDelivery, delID.String()),
		zDeliveryDue,
		sDeliveryOpen,
	}
	ok, err := markTerminalScript.Run(ctx, s.rdb, keys,
		string(state),
		boolField(success),
		now().Format(time.RFC3339Nano),
		delID.String(),
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return dispatch.ErrDeliveryNotFound
	}
	return nil
}

// Dequeue atomically claims up to limit due deliveries. Claimed
// deliveries are marked attempting and will not be returned to another
// caller until ScheduleRetry re-enters them in the due index.
func (s *Store) Dequeue(ctx context.Context, limit int) ([]*delivery.Delivery, error) {
	ids, err := dequeueScript.Run(ctx, s.rdb, []string{zDeliveryDue},
		scoreFromTime(now()),
		limit,
	).StringSlice()
	if err != nil {
		return nil, err
	}

	claimed := make([]*delivery.Delivery, 0, len(ids))
	for _, delID := range ids {
		key := entityKey(prefixDelivery, delID)
		err := s.rdb.HSet(ctx, key,
			"state", string(delivery.StateAttempting),
			"updated_at", now().Format(time.RFC3339Nano),
		).Err()
		if err != nil {
			return claimed, err
		}

		parsed, parseErr := id.ParseDeliveryID(delID)
		if parseErr != nil {
			continue
		}
		d, getErr := s.GetDelivery(ctx, parsed)
		if getErr != nil {
			// record expired between index read and load
			continue
		}
		claimed = append(claimed, d)
	}
	return claimed, nil
}

// ReclaimStale releases claims on deliveries stuck in the attempting
// state since before the cutoff. A claimed delivery is absent from the
// due index, so a worker that died mid-attempt strands its claims until
// they are re-entered here.
func (s *Store) ReclaimStale(ctx context.Context, before time.Time) (int64, error) {
	var reclaimed int64
	iter := s.rdb.SScan(ctx, sDeliveryOpen, 0, "", 100).Iterator()
	for iter.Next(ctx) {
		delID := iter.Val()
		vals, err := s.rdb.HMGet(ctx, entityKey(prefixDelivery, delID), "state", "updated_at").Result()
		if err != nil {
			return reclaimed, err
		}
		state, _ := vals[0].(string)
		updatedRaw, _ := vals[1].(string)
		if state != string(delivery.StateAttempting) || updatedRaw == "" {
			continue
		}
		updated, err := time.Parse(time.RFC3339Nano, updatedRaw)
		if err != nil || !updated.Before(before) {
			continue
		}

		parsed, err := id.ParseDeliveryID(delID)
		if err != nil {
			continue
		}
		if err := s.ScheduleRetry(ctx, parsed, now()); err != nil {
			if errors.Is(err, dispatch.ErrDeliveryNotFound) {
				// record expired between scan and reclaim
				continue
			}
			return reclaimed, err
		}
		reclaimed++
	}
	if err := iter.Err(); err != nil {
		return reclaimed, err
	}
	return reclaimed, nil
}

// Due returns due deliveries without claiming them. Pure query: calling
// it repeatedly returns the same records.
func (s *Store) Due(ctx context.Context, before time.Time, limit int) ([]*delivery.Delivery, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, zDeliveryDue, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(scoreFromTime(before), 'f', -1, 64),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	due := make([]*delivery.Delivery, 0, len(ids))
	for _, delID := range ids {
		parsed, parseErr := id.ParseDeliveryID(delID)
		if parseErr != nil {
			continue
		}
		d, getErr := s.GetDelivery(ctx, parsed)
		if getErr != nil {
			continue
		}
		due = append(due, d)
	}
	return due, nil
}

// ListDeliveries returns a filtered page of a webhook's deliveries,
// newest first, along with the total number of matches.
func (s *Store) ListDeliveries(ctx context.Context, whID id.ID, f delivery.Filter, offset, limit int) ([]*delivery.Delivery, int, error) {
	ids, err := s.rdb.ZRevRange(ctx, zDeliveryWebhook+whID.String(), 0, -1).Result()
	if err != nil {
		return nil, 0, err
	}

	matched := make([]*delivery.Delivery, 0, len(ids))
	for _, delID := range ids {
		parsed, parseErr := id.ParseDeliveryID(delID)
		if parseErr != nil {
			continue
		}
		d, getErr := s.GetDelivery(ctx, parsed)
		if getErr != nil {
			continue
		}
		if f.Matches(d) {
			matched = append(matched, d)
		}
	}

	total := len(matched)
	return applyPagination(matched, offset, limit), total, nil
}

// CountPending returns the number of non-terminal deliveries.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	return s.rdb.SCard(ctx, sDeliveryOpen).Result()
}

// PurgeOlderThan deletes all deliveries created before the cutoff.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.purgeIndex(ctx, zDeliveryAll, cutoff)
}

// PurgeWebhookOlderThan deletes one webhook's deliveries created before
// the cutoff.
func (s *Store) PurgeWebhookOlderThan(ctx context.Context, whID id.ID, cutoff time.Time) (int64, error) {
	return s.purgeIndex(ctx, zDeliveryWebhook+whID.String(), cutoff)
}

// purgeIndex walks a created-time index and removes every delivery below
// the cutoff, along with its index entries.
func (s *Store) purgeIndex(ctx context.Context, indexKey string, cutoff time.Time) (int64, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, indexKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(scoreFromTime(cutoff), 'f', -1, 64),
	}).Result()
	if err != nil {
		return 0, err
	}

	var purged int64
	for _, delID := range ids {
		whID, err := s.rdb.HGet(ctx, entityKey(prefixDelivery, delID), "webhook_id").Result()
		if err != nil && !isRedisNil(err) {
			return purged, err
		}

		deleted, err := s.rdb.Del(ctx,
			entityKey(prefixDelivery, delID),
			entityKey(prefixAttempts, delID),
		).Result()
		if err != nil {
			return purged, err
		}
		if deleted > 0 {
			purged++
		}

		_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.ZRem(ctx, zDeliveryAll, delID)
			pipe.ZRem(ctx, zDeliveryDue, delID)
			pipe.SRem(ctx, sDeliveryOpen, delID)
			if whID != "" {
				pipe.ZRem(ctx, zDeliveryWebhook+whID, delID)
			}
			return nil
		})
		if err != nil {
			return purged, err
		}
	}
	return purged, nil
}

// deliveryHash flattens a delivery into hash fields. The attempt history
// is stored separately.
func deliveryHash(d *delivery.Delivery) map[string]any {
	fields := map[string]any{
		"id":               d.ID.String(),
		"webhook_id":       d.WebhookID.String(),
		"project_id":       d.ProjectID,
		"event_type":       d.EventType,
		"payload":          string(d.Payload),
		"state":            string(d.State),
		"attempt_count":    d.AttemptCount,
		"max_attempts":     d.MaxAttempts,
		"succeeded":        boolField(d.Succeeded),
		"last_status_code": d.LastStatusCode,
		"last_error":       d.LastError,
		"created_at":       d.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":       d.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if d.NextAttemptAt != nil {
		fields["next_attempt_at"] = d.NextAttemptAt.UTC().Format(time.RFC3339Nano)
	}
	if !d.PreviousDeliveryID.IsNil() {
		fields["previous_delivery_id"] = d.PreviousDeliveryID.String()
	}
	if d.CompletedAt != nil {
		fields["completed_at"] = d.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

// deliveryFromHash rebuilds a delivery from its hash fields.
func deliveryFromHash(fields map[string]string) (*delivery.Delivery, error) {
	delID, err := id.ParseDeliveryID(fields["id"])
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: decode delivery: %w", err)
	}
	whID, err := id.ParseWebhookID(fields["webhook_id"])
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: decode delivery %s: %w", delID, err)
	}

	d := &delivery.Delivery{
		ID:        delID,
		WebhookID: whID,
		ProjectID: fields["project_id"],
		EventType: fields["event_type"],
		Payload:   json.RawMessage(fields["payload"]),
		State:     delivery.State(fields["state"]),
		Succeeded: fields["succeeded"] == "1",
		LastError: fields["last_error"],
		Attempts:  []delivery.Attempt{},
	}

	if d.AttemptCount, err = hashInt(fields, "attempt_count"); err != nil {
		return nil, err
	}
	if d.MaxAttempts, err = hashInt(fields, "max_attempts"); err != nil {
		return nil, err
	}
	if d.LastStatusCode, err = hashInt(fields, "last_status_code"); err != nil {
		return nil, err
	}

	if d.CreatedAt, err = hashTime(fields, "created_at"); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = hashTime(fields, "updated_at"); err != nil {
		return nil, err
	}

	if v := fields["next_attempt_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("dispatch/redis: decode delivery %s: next_attempt_at: %w", delID, err)
		}
		d.NextAttemptAt = &t
	}
	if v := fields["completed_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("dispatch/redis: decode delivery %s: completed_at: %w", delID, err)
		}
		d.CompletedAt = &t
	}
	if v := fields["previous_delivery_id"]; v != "" {
		prev, err := id.ParseDeliveryID(v)
		if err != nil {
			return nil, fmt.Errorf("dispatch/redis: decode delivery %s: previous_delivery_id: %w", delID, err)
		}
		d.PreviousDeliveryID = prev
	}

	return d, nil
}

func hashInt(fields map[string]string, name string) (int, error) {
	v := fields[name]
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("dispatch/redis: decode delivery field %s: %w", name, err)
	}
	return n, nil
}

func hashTime(fields map[string]string, name string) (time.Time, error) {
	v := fields[name]
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("dispatch/redis: decode delivery field %s: %w", name, err)
	}
	return t, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
