package model

import "time"

// FeedbackRecord 是一条只追加、不修改的用户反馈记录。
// 同时保存在键值存储（有上限）和 MySQL 的 feedback_records 表（完整归档）中。
type FeedbackRecord struct {
	ID             uint      `gorm:"primaryKey" json:"id,omitempty"`
	ConversationID string    `gorm:"type:varchar(64);index;not null" json:"conversationId"`
	MessageID      string    `gorm:"type:varchar(64);index" json:"messageId"`
	IsPositive     bool      `gorm:"not null" json:"isPositive"`
	UseAI          bool      `gorm:"not null;default:false" json:"useAI"`
	Message        string    `gorm:"type:text" json:"message"`
	Response       string    `gorm:"type:text" json:"response"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"timestamp"`
}

func (FeedbackRecord) TableName() string {
	return "feedback_records"
}

// FailedRequest 记录一次失败的生成请求，供之后排查。
type FailedRequest struct {
	Message    string     `json:"message"`
	Error      string     `json:"error"`
	Timestamp  time.Time  `json:"timestamp"`
	RetryCount int        `json:"retryCount"`
	LastRetry  *time.Time `json:"lastRetry"`
}
