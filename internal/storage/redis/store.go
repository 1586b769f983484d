// Package redis implements storage.EntityStore on Redis. Each entity is a
// hash of its fields and its tags live in a companion set, so adding a tag
// is a single SADD.
package redis

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/leadflow/leadflow/pkg/models"
	"github.com/leadflow/leadflow/pkg/storage"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

var _ storage.EntityStore = (*EntityStore)(nil)

var (
	// updateField sets one hash field only when the entity hash exists.
	updateField = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

	// appendTag adds to the tag set only when the entity hash exists.
	appendTag = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
return redis.call('SADD', KEYS[2], ARGV[1])
`)
)

var tagged = map[models.EntityKind]bool{
	models.OrganizationEntity: true,
	models.LeadEntity:         true,
}

func validKind(kind models.EntityKind) bool {
	switch kind {
	case models.OrganizationEntity, models.SubscriptionEntity, models.LeadEntity:
		return true
	}
	return false
}

// EntityStore keeps organization, subscription and lead records in Redis.
type EntityStore struct {
	client goredis.Cmdable
}

// New creates a Redis-backed entity store. The caller owns the client.
func New(client goredis.Cmdable) *EntityStore {
	return &EntityStore{client: client}
}

// Ping verifies the Redis connection is alive.
func (s *EntityStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// PutEntity creates or replaces an entity. A "tags" field of type []string
// seeds the tag set.
func (s *EntityStore) PutEntity(ctx context.Context, kind models.EntityKind, id string, fields map[string]any) error {
	if !validKind(kind) {
		return errors.Errorf("unknown entity kind %q", kind)
	}
	values := map[string]any{"id": id}
	var tags []string
	for k, v := range fields {
		if t, ok := v.([]string); ok && k == "tags" {
			tags = t
			continue
		}
		enc, err := encodeValue(v)
		if err != nil {
			return err
		}
		values[k] = enc
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, entityKey(kind, id), tagsKey(kind, id))
	pipe.HSet(ctx, entityKey(kind, id), values)
	if len(tags) > 0 {
		members := make([]any, len(tags))
		for i, t := range tags {
			members[i] = t
		}
		pipe.SAdd(ctx, tagsKey(kind, id), members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "put %s %s", kind, id)
	}
	return nil
}

// GetFields returns every field of an entity as stored.
func (s *EntityStore) GetFields(ctx context.Context, kind models.EntityKind, id string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, entityKey(kind, id)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "get %s %s", kind, id)
	}
	if len(fields) == 0 {
		return nil, errors.Wrapf(storage.ErrNotFound, "%s %s", kind, id)
	}
	return fields, nil
}

func (s *EntityStore) UpdateField(ctx context.Context, kind models.EntityKind, id, field string, value any) error {
	if !validKind(kind) {
		return errors.Errorf("unknown entity kind %q", kind)
	}
	if field == "" {
		return errors.New("field name cannot be empty")
	}
	enc, err := encodeValue(value)
	if err != nil {
		return err
	}
	res, err := updateField.Run(ctx, s.client, []string{entityKey(kind, id)}, field, enc).Int()
	if err != nil {
		return errors.Wrapf(err, "update %s %s", kind, id)
	}
	if res < 0 {
		return errors.Wrapf(storage.ErrNotFound, "%s %s", kind, id)
	}
	return nil
}

func (s *EntityStore) AppendTag(ctx context.Context, kind models.EntityKind, id, tag string) (bool, error) {
	if !tagged[kind] {
		return false, errors.Errorf("entity kind %q has no tags", kind)
	}
	res, err := appendTag.Run(ctx, s.client, []string{entityKey(kind, id), tagsKey(kind, id)}, tag).Int()
	if err != nil {
		return false, errors.Wrapf(err, "append tag to %s %s", kind, id)
	}
	if res < 0 {
		return false, errors.Wrapf(storage.ErrNotFound, "%s %s", kind, id)
	}
	return res == 1, nil
}

func (s *EntityStore) GetTags(ctx context.Context, kind models.EntityKind, id string) ([]string, error) {
	if !tagged[kind] {
		return nil, errors.Errorf("entity kind %q has no tags", kind)
	}
	exists, err := s.client.Exists(ctx, entityKey(kind, id)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "get %s %s", kind, id)
	}
	if exists == 0 {
		return nil, errors.Wrapf(storage.ErrNotFound, "%s %s", kind, id)
	}
	tags, err := s.client.SMembers(ctx, tagsKey(kind, id)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "get tags of %s %s", kind, id)
	}
	if tags == nil {
		tags = []string{}
	}
	return tags, nil
}

// encodeValue turns structured values into JSON; go-redis formats scalars itself.
func encodeValue(value any) (any, error) {
	if value == nil {
		return "", nil
	}
	switch reflect.ValueOf(value).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, errors.Wrap(err, "encode field value")
		}
		return string(b), nil
	}
	return value, nil
}
