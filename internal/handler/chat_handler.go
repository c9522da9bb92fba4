// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"fmc-chatbot-go/internal/middleware"
	"fmc-chatbot-go/internal/model"
	"fmc-chatbot-go/internal/service"
	"fmc-chatbot-go/pkg/log"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// 前端通过 WebSocket 发送的事件类型。
const (
	inboundMessage  = "message-submitted"
	inboundFeedback = "feedback-submitted"

	// 每个连接最多排队的待处理事件数，队列满时读循环会阻塞
	inboundQueueSize = 64
)

// inboundEvent 是前端通过 WebSocket 发送的事件。
type inboundEvent struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	MessageID  string `json:"messageId"`
	Message    string `json:"message"`
	Response   string `json:"response"`
	IsPositive bool   `json:"isPositive"`
	UseAI      bool   `json:"useAI"`
}

// ChatHandler 负责处理聊天相关的 REST 请求和 WebSocket 连接。
type ChatHandler struct {
	chatService service.ChatService
	hub         *Hub
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, hub *Hub) *ChatHandler {
	return &ChatHandler{chatService: chatService, hub: hub}
}

// SendMessageRequest 定义了发送消息 API 的请求体结构。
type SendMessageRequest struct {
	Message string `json:"message" binding:"required"`
}

// SendMessage 处理一条用户消息，返回最终回复。
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载", "data": nil})
		return
	}

	reply, err := h.chatService.SendMessage(c.Request.Context(), middleware.SessionID(c), req.Message)
	if err != nil {
		writeServiceError(c, "SendMessage", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": reply})
}

// Feedback 处理用户对某条回复的反馈。
func (h *ChatHandler) Feedback(c *gin.Context) {
	var req model.FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载", "data": nil})
		return
	}

	reply, err := h.chatService.HandleFeedback(c.Request.Context(), middleware.SessionID(c), req)
	if err != nil {
		writeServiceError(c, "Feedback", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": reply})
}

// History 返回当前会话的聊天记录。
func (h *ChatHandler) History(c *gin.Context) {
	records, err := h.chatService.History(c.Request.Context(), middleware.SessionID(c))
	if err != nil {
		writeServiceError(c, "History", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": records})
}

// ClearHistory 清空聊天记录并开启新会话。
func (h *ChatHandler) ClearHistory(c *gin.Context) {
	if err := h.chatService.ClearHistory(c.Request.Context(), middleware.SessionID(c)); err != nil {
		writeServiceError(c, "ClearHistory", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": nil})
}

// SearchHistory 在归档的聊天记录中全文检索。
func (h *ChatHandler) SearchHistory(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少查询参数 q", "data": nil})
		return
	}
	size, err := strconv.Atoi(c.DefaultQuery("size", "20"))
	if err != nil || size <= 0 || size > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "size 必须在 1 到 100 之间", "data": nil})
		return
	}

	results, err := h.chatService.SearchHistory(c.Request.Context(), query, size)
	if err != nil {
		writeServiceError(c, "SearchHistory", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": results})
}

// Export 以附件形式下载全部数据。
func (h *ChatHandler) Export(c *gin.Context) {
	bundle, err := h.chatService.Export(c.Request.Context(), middleware.SessionID(c))
	if err != nil {
		writeServiceError(c, "Export", err)
		return
	}
	filename := fmt.Sprintf("fmc-chatbot-data-%s.json", bundle.ExportedAt.Format("2006-01-02"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.JSON(http.StatusOK, bundle)
}

// ExportArchive 把导出包上传到对象存储，返回下载地址。
func (h *ChatHandler) ExportArchive(c *gin.Context) {
	url, err := h.chatService.ExportToObjectStore(c.Request.Context(), middleware.SessionID(c))
	if err != nil {
		writeServiceError(c, "ExportArchive", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"url": url}})
}

// Import 导入之前导出的数据。
func (h *ChatHandler) Import(c *gin.Context) {
	var bundle model.ExportBundle
	if err := c.ShouldBindJSON(&bundle); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的导入数据", "data": nil})
		return
	}
	if err := h.chatService.Import(c.Request.Context(), &bundle); err != nil {
		writeServiceError(c, "Import", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": nil})
}

// Debug 返回当前会话端和各个服务的运行状态。
func (h *ChatHandler) Debug(c *gin.Context) {
	info, err := h.chatService.DebugInfo(c.Request.Context(), middleware.SessionID(c))
	if err != nil {
		writeServiceError(c, "Debug", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": info})
}

// Handle 处理一个传入的 WebSocket 连接。回复通过 Hub 推送，而不是在读循环里直接写回。
func (h *ChatHandler) Handle(c *gin.Context) {
	sessionID := middleware.SessionID(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	logger := log.With("sessionID", sessionID)
	hc := h.hub.register(sessionID, conn)
	defer func() {
		h.hub.unregister(sessionID, hc)
		conn.Close()
	}()

	logger.Infof("WebSocket 连接已建立")

	// 同一连接上的事件按读取顺序逐个交给服务层，连接断开后已提交的事件仍需处理完
	ctx := context.WithoutCancel(c.Request.Context())
	jobs := make(chan func(), inboundQueueSize)
	go func() {
		for job := range jobs {
			job()
		}
	}()
	defer close(jobs)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			logger.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}

		var event inboundEvent
		if err := json.Unmarshal(message, &event); err != nil {
			h.sendError(hc, "无法解析的消息")
			continue
		}

		switch event.Type {
		case inboundMessage:
			text := event.Text
			jobs <- func() {
				if _, err := h.chatService.SendMessage(ctx, sessionID, text); err != nil {
					logger.Warnf("处理 WebSocket 消息失败: %v", err)
					h.sendError(hc, errorMessage(err))
				}
			}
		case inboundFeedback:
			req := model.FeedbackRequest{
				MessageID:  event.MessageID,
				Message:    event.Message,
				Response:   event.Response,
				IsPositive: event.IsPositive,
				UseAI:      event.UseAI,
			}
			jobs <- func() {
				if _, err := h.chatService.HandleFeedback(ctx, sessionID, req); err != nil {
					logger.Warnf("处理 WebSocket 反馈失败: %v", err)
					h.sendError(hc, errorMessage(err))
				}
			}
		default:
			h.sendError(hc, "未知的事件类型")
		}
	}
}

func (h *ChatHandler) sendError(hc *hubConn, message string) {
	payload, _ := json.Marshal(Event{Type: EventError, Message: message})
	if err := hc.send(payload); err != nil {
		log.Warnf("发送错误事件失败: %v", err)
	}
}

// errorMessage 返回可以展示给用户的错误说明，与 writeServiceError 的映射一致。
func errorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrEmptyMessage):
		return "消息不能为空"
	case errors.Is(err, service.ErrInvalidFeedback), errors.Is(err, service.ErrInvalidPayload):
		return err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "请求已取消"
	default:
		return "服务器内部错误"
	}
}

// writeServiceError 把服务层错误映射为 HTTP 响应，不向用户暴露内部错误细节。
func writeServiceError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, service.ErrEmptyMessage), errors.Is(err, service.ErrInvalidPayload), errors.Is(err, service.ErrInvalidFeedback):
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": err.Error(), "data": nil})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Warnf("%s: 请求已取消: %v", op, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "message": "请求已取消", "data": nil})
	default:
		log.Errorf("%s: %v", op, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "服务器内部错误", "data": nil})
	}
}
