// Package pipeline 定义了学习任务的处理流程。
package pipeline

import (
	"context"
	"fmt"
	"time"

	"fmc-chatbot-go/internal/repository"
	"fmc-chatbot-go/pkg/log"
	"fmc-chatbot-go/pkg/tasks"
)

// Learner 是真正执行学习的一方，通常是模式库服务。
type Learner interface {
	ProcessLearningTask(ctx context.Context, task tasks.LearningTask) error
}

// Processor 封装了学习任务的处理逻辑：校验、执行、统计。
type Processor struct {
	learner Learner
	storage repository.StorageRepository
}

// NewProcessor 创建一个新的 Processor 实例。storage 为 nil 时不记录统计。
func NewProcessor(learner Learner, storage repository.StorageRepository) *Processor {
	return &Processor{learner: learner, storage: storage}
}

// ProcessLearningTask 是学习任务处理的主函数。
func (p *Processor) ProcessLearningTask(ctx context.Context, task tasks.LearningTask) error {
	log.Infof("[Processor] 开始处理学习任务, ID: %s, Kind: %s, ConversationID: %s", task.ID, task.Kind, task.ConversationID)
	start := time.Now()

	// 1. 校验
	if task.Message == "" || task.Response == "" {
		log.Warnf("[Processor] 任务缺少消息或回复，跳过, ID: %s", task.ID)
		return nil
	}
	switch task.Kind {
	case tasks.KindFeedback, tasks.KindAIResponse:
	default:
		return fmt.Errorf("unknown learning task kind %q", task.Kind)
	}

	// 2. 执行
	if err := p.learner.ProcessLearningTask(ctx, task); err != nil {
		return fmt.Errorf("learning task %s failed: %w", task.ID, err)
	}

	// 3. 统计
	if p.storage != nil {
		detail := map[string]interface{}{
			"kind":           task.Kind,
			"conversationId": task.ConversationID,
			"helpful":        task.Helpful,
		}
		if err := p.storage.UpdateAnalytics(ctx, "learning", detail); err != nil {
			log.Warnf("[Processor] 更新学习统计失败: %v", err)
		}
	}

	log.Infof("[Processor] 学习任务处理完成, ID: %s, 耗时: %s", task.ID, time.Since(start))
	return nil
}
