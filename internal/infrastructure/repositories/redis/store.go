package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"duet/internal/core/domain"
	"duet/internal/core/ports"
	"duet/pkg/circuitbreaker"
	"duet/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

const (
	roomsKey = keyPrefix + "rooms"
	usersKey = keyPrefix + "users"
)

// RedisRoomStore keeps the room snapshot in one hash, field = room id,
// value = JSON record.
type RedisRoomStore struct {
	client  *redis.Client
	breaker *circuitbreaker.Breaker
}

// NewRedisRoomStore returns a store whose calls go through breaker; a nil
// breaker calls Redis directly.
func NewRedisRoomStore(client *redis.Client, breaker *circuitbreaker.Breaker) ports.RoomStore {
	return &RedisRoomStore{client: client, breaker: breaker}
}

func (r *RedisRoomStore) LoadRooms(ctx context.Context) (map[domain.RoomID]domain.RoomRecord, error) {
	fields, err := hgetAll(ctx, r.client, r.breaker, roomsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load rooms from Redis: %w", err)
	}

	rooms := make(map[domain.RoomID]domain.RoomRecord, len(fields))
	for id, data := range fields {
		var rec domain.RoomRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal room %s: %w", id, err)
		}
		rec.ID = domain.RoomID(id)
		rooms[rec.ID] = rec
	}
	return rooms, nil
}

func (r *RedisRoomStore) SaveRooms(ctx context.Context, rooms map[domain.RoomID]domain.RoomRecord) error {
	values := make(map[string]interface{}, len(rooms))
	for id, rec := range rooms {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal room %s: %w", id, err)
		}
		values[string(id)] = data
	}
	return replaceHash(ctx, r.client, r.breaker, roomsKey, values)
}

type RedisUserStore struct {
	client  *redis.Client
	breaker *circuitbreaker.Breaker
}

func NewRedisUserStore(client *redis.Client, breaker *circuitbreaker.Breaker) ports.UserStore {
	return &RedisUserStore{client: client, breaker: breaker}
}

func (r *RedisUserStore) LoadUsers(ctx context.Context) (map[string]domain.User, error) {
	fields, err := hgetAll(ctx, r.client, r.breaker, usersKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load users from Redis: %w", err)
	}

	users := make(map[string]domain.User, len(fields))
	for name, data := range fields {
		var u domain.User
		if err := json.Unmarshal([]byte(data), &u); err != nil {
			return nil, fmt.Errorf("failed to unmarshal user %s: %w", name, err)
		}
		users[name] = u
	}
	return users, nil
}

func (r *RedisUserStore) SaveUsers(ctx context.Context, users map[string]domain.User) error {
	values := make(map[string]interface{}, len(users))
	for name, u := range users {
		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("failed to marshal user %s: %w", name, err)
		}
		values[name] = data
	}
	return replaceHash(ctx, r.client, r.breaker, usersKey, values)
}

func guarded(ctx context.Context, b *circuitbreaker.Breaker, op, key string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.TraceStoreOperation(ctx, op, key)
	defer span.End()
	defer tracing.MeasureDuration(ctx, time.Now(), "store."+op)

	var err error
	if b == nil {
		err = fn(ctx)
	} else {
		err = b.Do(ctx, fn)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func hgetAll(ctx context.Context, client *redis.Client, b *circuitbreaker.Breaker, key string) (map[string]string, error) {
	var fields map[string]string
	err := guarded(ctx, b, "load", key, func(ctx context.Context) error {
		var err error
		fields, err = client.HGetAll(ctx, key).Result()
		return err
	})
	return fields, err
}

// replaceHash swaps the whole hash atomically.
func replaceHash(ctx context.Context, client *redis.Client, b *circuitbreaker.Breaker, key string, values map[string]interface{}) error {
	err := guarded(ctx, b, "save", key, func(ctx context.Context) error {
		_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if len(values) > 0 {
				pipe.HSet(ctx, key, values)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save %s to Redis: %w", key, err)
	}
	return nil
}
