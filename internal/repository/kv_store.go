// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// Store 是抽象的持久化键值存储。
type Store interface {
	// Get 返回键对应的值；键不存在时 ok 为 false。
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

type redisStore struct {
	redisClient *redis.Client
	prefix      string
}

// NewRedisStore 创建一个基于 Redis 的 Store。所有键都会加上 prefix。
func NewRedisStore(redisClient *redis.Client, prefix string) Store {
	return &redisStore{redisClient: redisClient, prefix: prefix}
}

func (r *redisStore) key(k string) string {
	return r.prefix + k
}

// Get 从 Redis 获取一个值。
func (r *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.redisClient.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return val, true, nil
}

// Set 在 Redis 中写入一个不过期的值。
func (r *redisStore) Set(ctx context.Context, key, value string) error {
	if err := r.redisClient.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (r *redisStore) Remove(ctx context.Context, key string) error {
	if err := r.redisClient.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to remove key %s: %w", key, err)
	}
	return nil
}

type memoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore 创建一个进程内的 Store，用于测试或 storage.driver=memory。
func NewMemoryStore() Store {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
