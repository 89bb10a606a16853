package redis

import (
	"context"

	goredis "github.com/redis/go-redis/v9"

	"github.com/substratehq/dispatch"
	"github.com/substratehq/dispatch/catalog"
	"github.com/substratehq/dispatch/id"
)

// RegisterType creates or updates an event type. Registration is an
// upsert keyed by name: re-registering keeps the original ID and
// creation time.
func (s *Store) RegisterType(ctx context.Context, et *catalog.EventType) error {
	name := et.Definition.Name

	existingID, err := s.rdb.Get(ctx, uniqueEventTypeName+name).Result()
	switch {
	case err == nil:
		existing, getErr := s.GetTypeByID(ctx, id.MustParse(existingID))
		if getErr != nil {
			return getErr
		}
		et.ID = existing.ID
		et.CreatedAt = existing.CreatedAt
	case !isRedisNil(err):
		return err
	}

	et.UpdatedAt = now()

	if err := s.setEntity(ctx, entityKey(prefixEventType, et.ID.String()), et, 0); err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, uniqueEventTypeName+name, et.ID.String(), 0)
		pipe.ZAdd(ctx, zEventTypeAll, goredis.Z{
			Score:  scoreFromTime(et.CreatedAt),
			Member: et.ID.String(),
		})
		return nil
	})
	return err
}

// GetType returns an event type by name.
func (s *Store) GetType(ctx context.Context, name string) (*catalog.EventType, error) {
	etID, err := s.rdb.Get(ctx, uniqueEventTypeName+name).Result()
	if err != nil {
		if isRedisNil(err) {
			return nil, dispatch.ErrEventTypeNotFound
		}
		return nil, err
	}

	parsed, err := id.ParseEventTypeID(etID)
	if err != nil {
		return nil, err
	}
	return s.GetTypeByID(ctx, parsed)
}

// GetTypeByID returns an event type by its TypeID.
func (s *Store) GetTypeByID(ctx context.Context, etID id.ID) (*catalog.EventType, error) {
	var et catalog.EventType
	if err := s.getEntity(ctx, entityKey(prefixEventType, etID.String()), &et); err != nil {
		if isRedisNil(err) {
			return nil, dispatch.ErrEventTypeNotFound
		}
		return nil, err
	}
	return &et, nil
}

// ListTypes returns registered event types ordered by registration time.
func (s *Store) ListTypes(ctx context.Context, opts catalog.ListOpts) ([]*catalog.EventType, error) {
	ids, err := s.rdb.ZRange(ctx, zEventTypeAll, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	types := make([]*catalog.EventType, 0, len(ids))
	for _, etID := range ids {
		var et catalog.EventType
		if err := s.getEntity(ctx, entityKey(prefixEventType, etID), &et); err != nil {
			if isRedisNil(err) {
				continue // index member expired or removed between calls
			}
			return nil, err
		}
		if !opts.IncludeDeprecated && et.IsDeprecated {
			continue
		}
		if opts.Group != "" && et.Definition.Group != opts.Group {
			continue
		}
		types = append(types, &et)
	}

	return applyPagination(types, opts.Offset, opts.Limit), nil
}

// DeleteType soft-deletes (deprecates) an event type. The record is kept
// so historical deliveries stay interpretable.
func (s *Store) DeleteType(ctx context.Context, name string) error {
	et, err := s.GetType(ctx, name)
	if err != nil {
		return err
	}
	if et.IsDeprecated {
		return nil
	}

	t := now()
	et.IsDeprecated = true
	et.DeprecatedAt = &t
	et.UpdatedAt = t

	return s.setEntity(ctx, entityKey(prefixEventType, et.ID.String()), et, 0)
}
