// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"fmc-chatbot-go/internal/config"
	"fmc-chatbot-go/pkg/log"
	"fmc-chatbot-go/pkg/tasks"
)

const maxAttempts = 3

// TaskProcessor defines the interface for any service that can process a learning task.
type TaskProcessor interface {
	ProcessLearningTask(ctx context.Context, task tasks.LearningTask) error
}

// Producer 把学习任务写入 Kafka。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers(cfg)...),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// Publish 发送一个学习任务到 Kafka。
func (p *Producer) Publish(ctx context.Context, task tasks.LearningTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.ConversationID),
		Value: taskBytes,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func brokers(cfg config.KafkaConfig) []string {
	var out []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// StartConsumer 启动一个 Kafka 消费者来处理学习任务，直到 ctx 结束。
// 每条消息在循环内按退避间隔重试，成功或达到 maxAttempts 次后才提交 offset，
// 因此同一分区的消息按顺序处理。rdb 用于跨重启累计失败次数，为 nil 时只在进程内计数。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor, rdb *redis.Client) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	c := newConsumer(processor, rdb)
	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Error("从 Kafka 读取消息失败", err)
			}
			break
		}

		// 重试过程中 ctx 结束时不提交，重启后由 Kafka 重新投递
		if c.handle(ctx, m.Value) {
			commit(ctx, r, m)
		}
	}

	if err := r.Close(); err != nil {
		log.Errorf("关闭 Kafka 消费者失败: %v", err)
	}
}

func commit(ctx context.Context, r *kafka.Reader, m kafka.Message) {
	if err := r.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}

// attemptCounter 记录每个任务的失败次数。
type attemptCounter interface {
	Incr(ctx context.Context, taskID string) (int64, error)
	Reset(ctx context.Context, taskID string)
}

type redisCounter struct {
	rdb *redis.Client
}

func (c redisCounter) key(taskID string) string {
	return fmt.Sprintf("kafka:attempts:%s", taskID)
}

func (c redisCounter) Incr(ctx context.Context, taskID string) (int64, error) {
	n, err := c.rdb.Incr(ctx, c.key(taskID)).Result()
	if err != nil {
		return 0, err
	}
	_ = c.rdb.Expire(ctx, c.key(taskID), 24*time.Hour).Err()
	return n, nil
}

func (c redisCounter) Reset(ctx context.Context, taskID string) {
	_ = c.rdb.Del(ctx, c.key(taskID)).Err()
}

// memoryCounter 只在消费循环中使用，不需要加锁。
type memoryCounter map[string]int64

func (c memoryCounter) Incr(_ context.Context, taskID string) (int64, error) {
	c[taskID]++
	return c[taskID], nil
}

func (c memoryCounter) Reset(_ context.Context, taskID string) {
	delete(c, taskID)
}

type consumer struct {
	processor  TaskProcessor
	attempts   attemptCounter
	newBackOff func() backoff.BackOff
}

func newConsumer(processor TaskProcessor, rdb *redis.Client) *consumer {
	var attempts attemptCounter = memoryCounter{}
	if rdb != nil {
		attempts = redisCounter{rdb: rdb}
	}
	return &consumer{
		processor: processor,
		attempts:  attempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// handle 处理一条消息，返回是否应该提交 offset。
func (c *consumer) handle(ctx context.Context, value []byte) bool {
	var task tasks.LearningTask
	if err := json.Unmarshal(value, &task); err != nil {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(value))
		// 消息格式错误，直接提交，避免阻塞队列
		return true
	}

	b := c.newBackOff()
	var local int64
	for {
		err := c.processor.ProcessLearningTask(ctx, task)
		if err == nil {
			c.attempts.Reset(ctx, task.ID)
			return true
		}
		log.Errorf("处理学习任务失败: id=%s, kind=%s, error: %v", task.ID, task.Kind, err)

		local++
		attempts, incErr := c.attempts.Incr(ctx, task.ID)
		if incErr != nil {
			// 计数器不可用时按本次循环内的次数计算
			log.Warnf("记录学习任务失败次数失败: %v", incErr)
			attempts = local
		}
		if attempts >= maxAttempts {
			log.Errorf("学习任务多次失败(>=%d)，提交 offset 终止重试: id=%s", maxAttempts, task.ID)
			c.attempts.Reset(ctx, task.ID)
			return true
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}
