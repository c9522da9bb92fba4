package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fmc-chatbot-go/internal/middleware"
	"fmc-chatbot-go/internal/service"
)

// ConversationHandler 处理与会话状态相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// Current 返回当前会话端的会话信息，必要时开启新会话。
func (h *ConversationHandler) Current(c *gin.Context) {
	sessionID := middleware.SessionID(c)
	h.service.ConversationID(c.Request.Context(), sessionID)

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    h.service.Info(sessionID),
	})
}

// Reset 立即开启新会话，之前的上下文不再使用。
func (h *ConversationHandler) Reset(c *gin.Context) {
	sessionID := middleware.SessionID(c)
	h.service.Reset(c.Request.Context(), sessionID)

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    h.service.Info(sessionID),
	})
}

// List 返回所有会话端的状态，供管理端查看。
func (h *ConversationHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    h.service.Sessions(),
	})
}
