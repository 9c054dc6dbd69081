package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// RedisStore shares idempotency keys between coordinator replicas.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func NewRedisStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	if client == nil {
		panic("redis client cannot be nil for RedisStore")
	}
	if keyPrefix == "" {
		keyPrefix = "breakout:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *RedisStore) idemKey(key string) string {
	return fmt.Sprintf("%sidem:%s", s.keyPrefix, key)
}

func (s *RedisStore) Reserve(ctx context.Context, key, value string) (string, bool, error) {
	k := s.idemKey(key)
	// Two attempts: the bound key may expire between SETNX and GET.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, k, value, s.ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("redis: reserve %s: %w", k, err)
		}
		if ok {
			return value, true, nil
		}
		bound, err := s.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("redis: read %s: %w", k, err)
		}
		log.Debug().Str("module", "store.redis").Str("key", key).Msg("idempotency key replayed")
		return bound, false, nil
	}
	return "", false, fmt.Errorf("redis: reserve %s: key flapping", k)
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.idemKey(key)).Err(); err != nil {
		return fmt.Errorf("redis: release %s: %w", key, err)
	}
	return nil
}
