// Package scheduler 定时执行模式同步和存储清理等维护任务。
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"fmc-chatbot-go/pkg/log"
)

// Task 是一个维护任务。
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler 按 cron 表达式并行执行全部维护任务；上一轮未结束时跳过本轮。
type Scheduler struct {
	cron    *cron.Cron
	tasks   []Task
	timeout time.Duration
}

// New 创建调度器。spec 支持标准五段表达式和 @every 这样的描述符。
func New(spec string, timeout time.Duration, tasks ...Task) (*Scheduler, error) {
	logger := cronLogger{}
	s := &Scheduler{
		cron:    cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		tasks:   tasks,
		timeout: timeout,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := s.RunOnce(ctx); err != nil {
		log.Errorf("[Scheduler] 维护任务失败: %v", err)
	}
}

// RunOnce 并行执行一轮全部任务，返回第一个错误。单个任务失败不会取消其他任务。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	var g errgroup.Group
	for _, task := range s.tasks {
		task := task
		g.Go(func() error {
			if err := task.Run(ctx); err != nil {
				return fmt.Errorf("%s: %w", task.Name, err)
			}
			return nil
		})
	}
	err := g.Wait()
	log.Infof("[Scheduler] 维护任务完成，耗时 %s", time.Since(start))
	return err
}

func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info("[Scheduler] 调度器已启动")
}

// Stop 停止调度并等待正在执行的任务结束，最多等到 ctx 结束。
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		log.Warnf("[Scheduler] 等待维护任务结束超时")
	}
}

// cronLogger 把 cron 的日志写到 zap。
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Infow("[Scheduler] "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Warnw(fmt.Sprintf("[Scheduler] %s: %v", msg, err), keysAndValues...)
}
