package database

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"fmc-chatbot-go/pkg/log"
)

// RDB 是键值存储和 Kafka 重试计数共用的 Redis 客户端。
var RDB *redis.Client

// InitRedis 连接 Redis，5 秒内 ping 不通时返回错误。
func InitRedis(addr, password string, db int) error {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis %s: %w", addr, err)
	}

	RDB = client
	log.Infof("Redis client connected: %s (db %d)", addr, db)
	return nil
}
