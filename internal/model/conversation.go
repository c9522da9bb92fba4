package model

import "time"

// ChatMessage 代表发送给文本生成服务的一条角色消息。
type ChatMessage struct {
	Role      string    `json:"role"` // "system"、"user" 或 "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatState 是一个会话端需要在重启后恢复的状态。
type ChatState struct {
	ConversationID        string    `json:"conversationId"`
	ConversationStartTime time.Time `json:"conversationStartTime"`
	MessageQueue          []string  `json:"messageQueue"`
}

// ConversationInfo 是会话的只读快照，用于调试接口。
type ConversationInfo struct {
	SessionID       string        `json:"sessionId"`
	ConversationID  string        `json:"conversationId"`
	StartedAt       time.Time     `json:"startedAt"`
	Age             time.Duration `json:"age"`
	PendingMessages int           `json:"pendingMessages"`
	Processing      bool          `json:"processing"`
}
