package pipeline

import (
	"context"
	"errors"
	"sync"

	"fmc-chatbot-go/pkg/log"
	"fmc-chatbot-go/pkg/tasks"
)

// ErrQueueFull 表示进程内队列已满，任务被丢弃。
var ErrQueueFull = errors.New("learning queue is full")

// TaskHandler 处理出队的任务。
type TaskHandler interface {
	ProcessLearningTask(ctx context.Context, task tasks.LearningTask) error
}

// LocalQueue 是未启用 Kafka 时使用的进程内学习队列，单个 worker 顺序消费。
type LocalQueue struct {
	ch      chan tasks.LearningTask
	handler TaskHandler
	wg      sync.WaitGroup
}

// NewLocalQueue 创建容量为 size 的队列。
func NewLocalQueue(handler TaskHandler, size int) *LocalQueue {
	if size <= 0 {
		size = 256
	}
	return &LocalQueue{ch: make(chan tasks.LearningTask, size), handler: handler}
}

// Publish 非阻塞地入队。
func (q *LocalQueue) Publish(_ context.Context, task tasks.LearningTask) error {
	select {
	case q.ch <- task:
		return nil
	default:
		log.Warnf("[LocalQueue] 队列已满，丢弃学习任务: %s", task.ID)
		return ErrQueueFull
	}
}

// Start 启动 worker，直到 ctx 结束。结束时会处理完已入队的任务。
func (q *LocalQueue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case task := <-q.ch:
				q.handle(ctx, task)
			case <-ctx.Done():
				q.drain()
				return
			}
		}
	}()
}

// Wait 等待 worker 退出。
func (q *LocalQueue) Wait() {
	q.wg.Wait()
}

func (q *LocalQueue) drain() {
	for {
		select {
		case task := <-q.ch:
			q.handle(context.Background(), task)
		default:
			return
		}
	}
}

func (q *LocalQueue) handle(ctx context.Context, task tasks.LearningTask) {
	if err := q.handler.ProcessLearningTask(ctx, task); err != nil {
		log.Errorf("[LocalQueue] 处理学习任务失败: id=%s, error: %v", task.ID, err)
	}
}
