package persistence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/llm-d-incubation/pipeline-selftune/internal/logger"
	"github.com/llm-d-incubation/pipeline-selftune/internal/utils"
)

// ListStore is the list-shaped key-value surface the snapshot mirror needs.
type ListStore interface {
	// PushTrim prepends value to the list at key and keeps only the newest keep entries.
	PushTrim(ctx context.Context, key, value string, keep int64) error
	// Range returns the whole list, newest first.
	Range(ctx context.Context, key string) ([]string, error)
	Ping(ctx context.Context) error
}

// RedisListStore implements ListStore on a Redis list.
type RedisListStore struct {
	client redis.UniversalClient
}

var _ ListStore = (*RedisListStore)(nil)

func NewRedisListStore(client redis.UniversalClient) *RedisListStore {
	return &RedisListStore{client: client}
}

func (s *RedisListStore) PushTrim(ctx context.Context, key, value string, keep int64) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, value)
		if keep > 0 {
			pipe.LTrim(ctx, key, 0, keep-1)
		}
		return nil
	})
	return err
}

func (s *RedisListStore) Range(ctx context.Context, key string) ([]string, error) {
	return s.client.LRange(ctx, key, 0, -1).Result()
}

func (s *RedisListStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisListStore) Close() error {
	return s.client.Close()
}

// ConnectRedis opens a client for addr and waits, with backoff, until it answers PING.
func ConnectRedis(ctx context.Context, addr string, backoff wait.Backoff) (*RedisListStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	store := NewRedisListStore(client)
	if err := utils.RetryWithBackoff(ctx, backoff, "redis ping", store.Ping); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	logger.Log.Infow("Connected to redis", "addr", addr)
	return store, nil
}
