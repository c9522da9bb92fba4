package model

import "time"

// HistoryType 是聊天记录的类型，对应产生回复的阶段。
type HistoryType string

const (
	HistoryKeyword HistoryType = "keyword"
	HistoryLearned HistoryType = "learned"
	HistoryClaude  HistoryType = "claude"
	HistoryError   HistoryType = "error"
)

// ChatHistoryRecord 是持久化的一条聊天记录。
type ChatHistoryRecord struct {
	ID                string      `json:"id"`
	ConversationID    string      `json:"conversationId"`
	MessageID         string      `json:"messageId,omitempty"`
	Type              HistoryType `json:"type"`
	Message           string      `json:"message,omitempty"`
	Response          string      `json:"response"`
	Score             float64     `json:"score,omitempty"`
	Analysis          *Analysis   `json:"analysis,omitempty"`
	IsAIRetry         bool        `json:"isAIRetry,omitempty"`
	PreviousMessageID string      `json:"previousMessageId,omitempty"`
	Error             string      `json:"error,omitempty"`
	Timestamp         time.Time   `json:"timestamp"`
}

// ChatReply 是一次消息处理返回给前端的结果。
type ChatReply struct {
	MessageID      string      `json:"messageId"`
	ConversationID string      `json:"conversationId"`
	Type           HistoryType `json:"type"`
	Message        string      `json:"message"`
	Response       string      `json:"response"`
	// PreviousMessageID 仅在 AI 重新回答时设置，指向被替换的消息。
	PreviousMessageID string `json:"previousMessageId,omitempty"`
}

// FeedbackRequest 是前端提交的反馈事件。
type FeedbackRequest struct {
	MessageID  string `json:"messageId"`
	Message    string `json:"message"`
	Response   string `json:"response"`
	IsPositive bool   `json:"isPositive"`
	UseAI      bool   `json:"useAI"`
}
