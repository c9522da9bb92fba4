// Package model 包含了应用的数据模型定义。
package model

import "time"

// PatternSource 表示模式的来源。
type PatternSource string

const (
	SourceKeyword PatternSource = "keyword"
	SourceAI      PatternSource = "ai"
)

// 远程记录上的标签。三个质量档位互斥。
const (
	LabelPattern          = "pattern"
	LabelLowScore         = "low-score"
	LabelMediumScore      = "medium-score"
	LabelHighScore        = "high-score"
	LabelNeedsImprovement = "needs-improvement"
	LabelAIGenerated      = "ai-generated"
	LabelHighQuality      = "high-quality"
)

// Pattern 是一条学习到的 问题模式 -> 候选回复 记录，远程持久化，本地缓存。
// Text 始终由 textnorm.Normalize 生成。
type Pattern struct {
	Text             string        `json:"pattern"`
	Responses        []string      `json:"responses"`
	Score            float64       `json:"score"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
	Source           PatternSource `json:"source"`
	NeedsImprovement bool          `json:"needsImprovement,omitempty"`
	LastFeedback     *time.Time    `json:"lastFeedback,omitempty"`
	// RecordID 为远程记录编号，0 表示尚未写入远程。
	RecordID int `json:"issueNumber,omitempty"`
	// Pending 表示该模式只写入了本地，等待下一次同步时回放到远程。
	Pending bool `json:"pending,omitempty"`
}

// Clone 返回一份深拷贝，避免调用方修改缓存中的数据。
func (p *Pattern) Clone() *Pattern {
	if p == nil {
		return nil
	}
	c := *p
	c.Responses = append([]string(nil), p.Responses...)
	if p.LastFeedback != nil {
		t := *p.LastFeedback
		c.LastFeedback = &t
	}
	return &c
}

// ScoreLabel 根据分数返回质量档位标签。
func ScoreLabel(score float64) string {
	switch {
	case score > 5:
		return LabelHighScore
	case score > 2:
		return LabelMediumScore
	default:
		return LabelLowScore
	}
}
