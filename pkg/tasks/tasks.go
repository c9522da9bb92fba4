// Package tasks defines the structure for tasks that are sent to the learning queue.
package tasks

import "time"

// LearningKind 区分学习任务的处理方式。
type LearningKind string

const (
	// KindFeedback 对应模式库的 processLearning：已有相似模式则记录反馈，否则在有帮助时新建模式。
	KindFeedback LearningKind = "feedback"
	// KindAIResponse 对应 saveAIResponse：把生成服务的回答保存为高质量模式。
	KindAIResponse LearningKind = "ai_response"
)

// LearningTask represents one learning event for the pattern store.
type LearningTask struct {
	ID             string       `json:"id"`
	Kind           LearningKind `json:"kind"`
	ConversationID string       `json:"conversation_id"`
	Message        string       `json:"message"`
	Response       string       `json:"response"`
	Helpful        bool         `json:"helpful"`
	CreatedAt      time.Time    `json:"created_at"`
}
