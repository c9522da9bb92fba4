package model

// EsChatDocument 是聊天记录在 Elasticsearch 中的文档结构。
type EsChatDocument struct {
	RecordID       string  `json:"record_id"`
	ConversationID string  `json:"conversation_id"`
	MessageID      string  `json:"message_id"`
	Type           string  `json:"type"`
	Message        string  `json:"message"`
	Response       string  `json:"response"`
	Score          float64 `json:"score"`
	IsAIRetry      bool    `json:"is_ai_retry"`
	Timestamp      int64   `json:"timestamp"`
}

// HistorySearchResult 是聊天记录检索返回给前端的结构。
type HistorySearchResult struct {
	ConversationID string  `json:"conversationId"`
	MessageID      string  `json:"messageId"`
	Type           string  `json:"type"`
	Message        string  `json:"message"`
	Response       string  `json:"response"`
	Score          float64 `json:"score"`
	Timestamp      int64   `json:"timestamp"`
}
