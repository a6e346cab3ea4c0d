package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/doctor-cornelius/powercrud/coordinator/observability"
)

// RedisStore implements the KV interface using Redis.
// SET NX provides the atomic test-and-set that conflict reservation requires;
// native sets back the tracking and active-task structures.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	defer func() {
		observability.CacheLatency.Observe(time.Since(start).Seconds())
	}()

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	start := time.Now()
	defer func() {
		observability.CacheLatency.Observe(time.Since(start).Seconds())
	}()

	return s.client.Set(ctx, key, value, ttl).Err()
}

// Add uses SET key value NX EX ttl for atomic insert-if-absent.
func (s *RedisStore) Add(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() {
		observability.CacheLatency.Observe(time.Since(start).Seconds())
	}()

	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	defer func() {
		observability.CacheLatency.Observe(time.Since(start).Seconds())
	}()

	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) SetAdd(ctx context.Context, key string, members []string, ttl time.Duration) error {
	if len(members) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		observability.CacheLatency.Observe(time.Since(start).Seconds())
	}()

	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return err
	}
	if ttl > 0 {
		return s.client.Expire(ctx, key, ttl).Err()
	}
	return nil
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	start := time.Now()
	defer func() {
		observability.CacheLatency.Observe(time.Since(start).Seconds())
	}()

	members, err := s.client.SMembers(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return members, err
}

func (s *RedisStore) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		observability.CacheLatency.Observe(time.Since(start).Seconds())
	}()

	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SRem(ctx, key, args...).Err()
}

// ScanKeys returns keys matching the pattern. Used by diagnostics/tooling,
// not by the hot path.
func (s *RedisStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}
