package model

import "time"

// Analysis 是对一条消息做领域分类的结果。
type Analysis struct {
	IsDomainQuestion    bool     `json:"isDomainQuestion"`
	Topics              []string `json:"topics"`
	RelevantDepartments []string `json:"relevantDepartments"`
	Score               float64  `json:"score"`
}

// HasTopic 判断分类结果中是否包含指定话题。
func (a *Analysis) HasTopic(topic string) bool {
	if a == nil {
		return false
	}
	for _, t := range a.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Completion 是生成服务返回的回答。
type Completion struct {
	Text             string    `json:"text"`
	IsDomainQuestion bool      `json:"isDomainQuestion"`
	Analysis         *Analysis `json:"analysis,omitempty"`
}

// CachedCompletion 是回答缓存中的一项。
type CachedCompletion struct {
	Key       string     `json:"key"`
	Response  Completion `json:"response"`
	CreatedAt time.Time  `json:"createdAt"`
}

// ContextTurn 是上下文缓冲区中的一轮对话。
type ContextTurn struct {
	ConversationID string    `json:"conversationId"`
	Message        string    `json:"message"`
	Response       string    `json:"response,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// CompletionBackup 是回答缓存与上下文缓冲区的持久化快照。
type CompletionBackup struct {
	Cache     []CachedCompletion `json:"cache"`
	Context   []ContextTurn      `json:"context"`
	Timestamp time.Time          `json:"timestamp"`
}
