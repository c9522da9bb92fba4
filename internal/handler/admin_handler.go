package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"fmc-chatbot-go/internal/model"
	"fmc-chatbot-go/internal/repository"
	"fmc-chatbot-go/internal/service"
	"fmc-chatbot-go/pkg/log"
)

// AdminHandler 负责处理模式库、存储和维护任务相关的管理请求。
type AdminHandler struct {
	patterns     service.PatternService
	storage      repository.StorageRepository
	feedbackRepo repository.FeedbackRepository
	maintenance  func(ctx context.Context) error
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。feedbackRepo 为 nil 时反馈统计只读键值存储。
func NewAdminHandler(patterns service.PatternService, storage repository.StorageRepository, feedbackRepo repository.FeedbackRepository, maintenance func(ctx context.Context) error) *AdminHandler {
	return &AdminHandler{
		patterns:     patterns,
		storage:      storage,
		feedbackRepo: feedbackRepo,
		maintenance:  maintenance,
	}
}

// ListPatterns 返回缓存中的全部模式及统计。
func (h *AdminHandler) ListPatterns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{
		"patterns": h.patterns.All(),
		"stats":    h.patterns.Stats(),
	}})
}

// SyncPatterns 立即与远程仓库同步一次。
func (h *AdminHandler) SyncPatterns(c *gin.Context) {
	if err := h.patterns.Sync(c.Request.Context()); err != nil {
		log.Warnf("SyncPatterns: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"code": http.StatusBadGateway, "message": "同步失败，已使用本地备份", "data": h.patterns.Stats()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": h.patterns.Stats()})
}

// ClearPatterns 清空本地模式缓存。
func (h *AdminHandler) ClearPatterns(c *gin.Context) {
	if err := h.patterns.Clear(c.Request.Context()); err != nil {
		writeServiceError(c, "ClearPatterns", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": nil})
}

// ImportPatterns 导入外部模式列表。
func (h *AdminHandler) ImportPatterns(c *gin.Context) {
	var patterns []*model.Pattern
	if err := c.ShouldBindJSON(&patterns); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的模式数据", "data": nil})
		return
	}
	n, err := h.patterns.Import(c.Request.Context(), patterns)
	if err != nil {
		writeServiceError(c, "ImportPatterns", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"imported": n}})
}

// StorageStats 返回键值存储的占用情况。
func (h *AdminHandler) StorageStats(c *gin.Context) {
	stats, err := h.storage.Stats(c.Request.Context())
	if err != nil {
		writeServiceError(c, "StorageStats", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": stats})
}

// RunMaintenance 立即执行一轮同步和清理。
func (h *AdminHandler) RunMaintenance(c *gin.Context) {
	if err := h.maintenance(c.Request.Context()); err != nil {
		writeServiceError(c, "RunMaintenance", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": nil})
}

// FailedRequests 返回最近失败的生成请求。
func (h *AdminHandler) FailedRequests(c *gin.Context) {
	failed, err := h.storage.GetFailedRequests(c.Request.Context())
	if err != nil {
		writeServiceError(c, "FailedRequests", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": failed})
}

// Analytics 返回按类型统计的事件数据。
func (h *AdminHandler) Analytics(c *gin.Context) {
	analytics, err := h.storage.GetAnalytics(c.Request.Context())
	if err != nil {
		writeServiceError(c, "Analytics", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": analytics})
}

// FeedbackStats 返回正负反馈数量，优先使用数据库归档。
func (h *AdminHandler) FeedbackStats(c *gin.Context) {
	ctx := c.Request.Context()
	if h.feedbackRepo != nil {
		positive, negative, err := h.feedbackRepo.CountByPolarity(ctx)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"positive": positive, "negative": negative, "source": "mysql"}})
			return
		}
		log.Warnf("FeedbackStats: 读取数据库失败，改用键值存储: %v", err)
	}

	records, err := h.storage.GetFeedback(ctx, "")
	if err != nil {
		writeServiceError(c, "FeedbackStats", err)
		return
	}
	var positive, negative int64
	for _, r := range records {
		if r.IsPositive {
			positive++
		} else {
			negative++
		}
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"positive": positive, "negative": negative, "source": "kv"}})
}

// GetSettings 返回用户设置。
func (h *AdminHandler) GetSettings(c *gin.Context) {
	settings, err := h.storage.GetSettings(c.Request.Context())
	if err != nil {
		writeServiceError(c, "GetSettings", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": settings})
}

// UpdateSettingsRequest 中未出现的字段保持不变。
type UpdateSettingsRequest struct {
	Sound    *bool   `json:"sound"`
	Notify   *bool   `json:"notifications"`
	Theme    *string `json:"theme" binding:"omitempty,oneof=light dark"`
	FontSize *string `json:"fontSize" binding:"omitempty,oneof=small medium large"`
}

// UpdateSettings 部分更新用户设置。
func (h *AdminHandler) UpdateSettings(c *gin.Context) {
	var req UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的设置", "data": nil})
		return
	}
	err := h.storage.UpdateSettings(c.Request.Context(), func(s *model.Settings) {
		if req.Sound != nil {
			s.Sound = *req.Sound
		}
		if req.Notify != nil {
			s.Notify = *req.Notify
		}
		if req.Theme != nil {
			s.Theme = *req.Theme
		}
		if req.FontSize != nil {
			s.FontSize = *req.FontSize
		}
	})
	if err != nil {
		writeServiceError(c, "UpdateSettings", err)
		return
	}
	h.GetSettings(c)
}
