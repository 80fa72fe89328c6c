/*
File: storage_redis.go
Version: 1.0.0
Description: Redis storage backend.
*/

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type RedisStorage struct {
	client *redis.Client
	prefix string
}

func NewRedisStorage(ctx context.Context, addr, prefix string) (*RedisStorage, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis storage: no address configured")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis storage: ping %s: %w", addr, err)
	}
	LogInfo("[STORAGE] Using redis at %s (prefix %q)", addr, prefix)
	return &RedisStorage{client: rdb, prefix: prefix}, nil
}

func (r *RedisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

func (r *RedisStorage) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStorage) Close() error { return r.client.Close() }
