package repository

import (
	"context"

	"gorm.io/gorm"

	"fmc-chatbot-go/internal/model"
)

// FeedbackRepository 定义了反馈归档表的操作接口。
type FeedbackRepository interface {
	Create(ctx context.Context, record *model.FeedbackRecord) error
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]model.FeedbackRecord, error)
	CountByPolarity(ctx context.Context) (positive int64, negative int64, err error)
}

type feedbackRepository struct {
	db *gorm.DB
}

// NewFeedbackRepository 创建一个新的 FeedbackRepository 实例。
func NewFeedbackRepository(db *gorm.DB) FeedbackRepository {
	return &feedbackRepository{db: db}
}

// Create 在数据库中插入一条反馈记录。
func (r *feedbackRepository) Create(ctx context.Context, record *model.FeedbackRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

// ListByConversation 按时间倒序返回会话的反馈；conversationID 为空时返回全部。
func (r *feedbackRepository) ListByConversation(ctx context.Context, conversationID string, limit int) ([]model.FeedbackRecord, error) {
	var records []model.FeedbackRecord
	query := r.db.WithContext(ctx).Order("created_at desc")
	if conversationID != "" {
		query = query.Where("conversation_id = ?", conversationID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&records).Error
	return records, err
}

func (r *feedbackRepository) CountByPolarity(ctx context.Context) (int64, int64, error) {
	var positive, negative int64
	if err := r.db.WithContext(ctx).Model(&model.FeedbackRecord{}).Where("is_positive = ?", true).Count(&positive).Error; err != nil {
		return 0, 0, err
	}
	if err := r.db.WithContext(ctx).Model(&model.FeedbackRecord{}).Where("is_positive = ?", false).Count(&negative).Error; err != nil {
		return 0, 0, err
	}
	return positive, negative, nil
}
