package service

import (
	"context"

	"fmc-chatbot-go/pkg/tasks"
)

// LearningQueue 接收学习任务。实现可以是进程内队列或 Kafka 生产者。
type LearningQueue interface {
	Publish(ctx context.Context, task tasks.LearningTask) error
}

// LearningProcessor 消费学习任务。
type LearningProcessor interface {
	ProcessLearningTask(ctx context.Context, task tasks.LearningTask) error
}
