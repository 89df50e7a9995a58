package cache

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStorage 用 redis 做本地持久化后端（多个 peer 进程共享一台 redis 时使用）
// 满足 persist.Storage
type RedisStorage struct {
	rdb     redis.UniversalClient
	prefix  string
	timeout time.Duration
}

func NewRedisStorage(rdb redis.UniversalClient, prefix string) *RedisStorage {
	return &RedisStorage{rdb: rdb, prefix: prefix, timeout: 2 * time.Second}
}

func (s *RedisStorage) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *RedisStorage) Get(key string) ([]byte, bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	b, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *RedisStorage) Set(key string, value []byte) error {
	ctx, cancel := s.ctx()
	defer cancel()
	return s.rdb.Set(ctx, s.prefix+key, value, 0).Err()
}

func (s *RedisStorage) Remove(key string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	return s.rdb.Del(ctx, s.prefix+key).Err()
}
