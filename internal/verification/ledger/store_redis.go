package ledger

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefix for counted actions.
	countedKeyPrefix = "ledger:counted:"
)

// RedisStore is a Redis-backed ledger. This is the production-recommended
// implementation for distributed deployments where multiple handler instances
// must agree on whether an action already counted.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Redis-backed action ledger.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) AlreadyCounted(ctx context.Context, key Key) (bool, error) {
	_, err := s.client.Get(ctx, countedKeyPrefix+key.String()).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkCounted claims the entry with SETNX so exactly one of any set of
// concurrent deliveries wins. Entries never expire: the ledger is write-once
// for the lifetime of the verification.
func (s *RedisStore) MarkCounted(ctx context.Context, key Key) (bool, error) {
	return s.client.SetNX(ctx, countedKeyPrefix+key.String(), "1", 0).Result()
}

func (s *RedisStore) Release(ctx context.Context, key Key) error {
	return s.client.Del(ctx, countedKeyPrefix+key.String()).Err()
}
