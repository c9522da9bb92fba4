package model

import (
	"encoding/json"
	"time"
)

// AnalyticsBucket 是某一类事件的统计数据。
type AnalyticsBucket struct {
	Total   int64             `json:"total"`
	Daily   map[string]int64  `json:"daily"`
	Details []json.RawMessage `json:"details"`
}

// Settings 是用户设置与会话状态。
type Settings struct {
	Sound      bool                 `json:"sound"`
	Notify     bool                 `json:"notifications"`
	Theme      string               `json:"theme"`
	FontSize   string               `json:"fontSize"`
	ChatStates map[string]ChatState `json:"chatStates,omitempty"`
	CreatedAt  time.Time            `json:"createdAt"`
	UpdatedAt  time.Time            `json:"updatedAt"`
}

// StorageStats 是各个存储键占用的字节数与总体使用率。
type StorageStats struct {
	Sizes     map[string]int `json:"sizes"`
	TotalSize int            `json:"totalSize"`
	Limit     int            `json:"limit"`
	Usage     float64        `json:"usage"`
}

// ExportBundle 是完整的数据导出包。
type ExportBundle struct {
	History        []ChatHistoryRecord        `json:"history"`
	Patterns       []*Pattern                 `json:"patterns"`
	Completion     *CompletionBackup          `json:"completion,omitempty"`
	Feedback       []FeedbackRecord           `json:"feedback"`
	Analytics      map[string]AnalyticsBucket `json:"analytics"`
	Settings       *Settings                  `json:"settings,omitempty"`
	ConversationID string                     `json:"conversationId,omitempty"`
	ExportedAt     time.Time                  `json:"exportedAt"`
}
