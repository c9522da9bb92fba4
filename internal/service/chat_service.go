package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"fmc-chatbot-go/internal/config"
	"fmc-chatbot-go/internal/model"
	"fmc-chatbot-go/internal/repository"
	"fmc-chatbot-go/pkg/log"
	"fmc-chatbot-go/pkg/metrics"
	"fmc-chatbot-go/pkg/tasks"
	"fmc-chatbot-go/pkg/textnorm"
)

var (
	// ErrEmptyMessage 表示消息清理后为空。
	ErrEmptyMessage = errors.New("message is empty")
	// ErrInvalidFeedback 表示反馈缺少原始消息或回复。
	ErrInvalidFeedback = errors.New("feedback requires message and response")
)

// HistoryArchiver 把聊天记录归档到可检索的存储中。
type HistoryArchiver interface {
	Archive(ctx context.Context, record model.ChatHistoryRecord) error
	Search(ctx context.Context, query string, size int) ([]model.HistorySearchResult, error)
}

// Notifier 把处理结果推送给前端。
type Notifier interface {
	MessageAdded(sessionID string, reply model.ChatReply)
	AIResponseReady(sessionID string, reply model.ChatReply)
}

// ObjectExporter 把导出包上传到对象存储，返回下载地址。
type ObjectExporter interface {
	UploadJSON(ctx context.Context, objectName string, v interface{}) (string, error)
}

// DebugInfo 是调试接口返回的运行状态。
type DebugInfo struct {
	Conversation   model.ConversationInfo   `json:"conversation"`
	Sessions       []model.ConversationInfo `json:"sessions"`
	Patterns       PatternStats             `json:"patterns"`
	Completion     CompletionStats          `json:"completion"`
	Storage        *model.StorageStats      `json:"storage,omitempty"`
	HistorySize    int                      `json:"historySize"`
	FailedRequests int                      `json:"failedRequests"`
}

// ChatService 定义了消息处理和反馈处理的接口。
type ChatService interface {
	// SendMessage 依次尝试意图匹配、已学习模式和生成服务，返回第一个被接受的回答。
	SendMessage(ctx context.Context, sessionID, message string) (*model.ChatReply, error)
	// HandleFeedback 处理用户反馈。只有请求 AI 重新回答时才返回新的回复。
	HandleFeedback(ctx context.Context, sessionID string, req model.FeedbackRequest) (*model.ChatReply, error)

	History(ctx context.Context, sessionID string) ([]model.ChatHistoryRecord, error)
	SearchHistory(ctx context.Context, query string, size int) ([]model.HistorySearchResult, error)
	ClearHistory(ctx context.Context, sessionID string) error
	Export(ctx context.Context, sessionID string) (*model.ExportBundle, error)
	ExportToObjectStore(ctx context.Context, sessionID string) (string, error)
	Import(ctx context.Context, bundle *model.ExportBundle) error
	DebugInfo(ctx context.Context, sessionID string) (*DebugInfo, error)
	// Restore 恢复会话状态和生成缓存，并重新提交重启前未处理的消息。
	Restore(ctx context.Context) error
	// Cleanup 执行存储、生成缓存的定期清理。
	Cleanup(ctx context.Context) error
}

// ChatOption 配置 ChatService 的可选依赖。
type ChatOption func(*chatService)

// WithLearningQueue 设置学习任务队列；未设置时不进行被动学习。
func WithLearningQueue(q LearningQueue) ChatOption {
	return func(s *chatService) { s.queue = q }
}

// WithHistoryArchiver 设置聊天记录归档。
func WithHistoryArchiver(a HistoryArchiver) ChatOption {
	return func(s *chatService) { s.archive = a }
}

// WithNotifier 设置前端推送。
func WithNotifier(n Notifier) ChatOption {
	return func(s *chatService) { s.notifier = n }
}

// WithFeedbackArchive 设置反馈记录的数据库归档。
func WithFeedbackArchive(repo repository.FeedbackRepository) ChatOption {
	return func(s *chatService) { s.feedbackRepo = repo }
}

// WithObjectExporter 设置导出包使用的对象存储。
func WithObjectExporter(e ObjectExporter) ChatOption {
	return func(s *chatService) { s.exporter = e }
}

type chatService struct {
	intents       IntentService
	patterns      PatternService
	completion    CompletionService
	conversations ConversationService
	storage       repository.StorageRepository
	messages      config.MessagesConfig
	matching      config.MatchingConfig

	queue        LearningQueue
	archive      HistoryArchiver
	notifier     Notifier
	feedbackRepo repository.FeedbackRepository
	exporter     ObjectExporter

	now  func() time.Time
	pick func(n int) int
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(
	intents IntentService,
	patterns PatternService,
	completion CompletionService,
	conversations ConversationService,
	storage repository.StorageRepository,
	clinic config.ClinicConfig,
	matching config.MatchingConfig,
	opts ...ChatOption,
) ChatService {
	s := &chatService{
		intents:       intents,
		patterns:      patterns,
		completion:    completion,
		conversations: conversations,
		storage:       storage,
		messages:      clinic.Messages,
		matching:      matching,
		now:           time.Now,
		pick:          rand.Intn,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newMessageID() string {
	return "msg_" + uuid.NewString()
}

func (s *chatService) SendMessage(ctx context.Context, sessionID, message string) (*model.ChatReply, error) {
	clean := textnorm.Sanitize(message)
	if clean == "" {
		return nil, ErrEmptyMessage
	}

	var reply *model.ChatReply
	// 消息入队后即使请求取消也要处理完，所以使用不会被取消的上下文。
	workCtx := context.WithoutCancel(ctx)
	err := s.conversations.Submit(ctx, sessionID, clean, func(conversationID string) {
		reply = s.resolve(workCtx, sessionID, conversationID, clean)
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// resolve 按 意图 -> 模式 -> 生成 的顺序处理一条消息，任何阶段都不会把错误暴露给用户。
func (s *chatService) resolve(ctx context.Context, sessionID, conversationID, message string) *model.ChatReply {
	reply := &model.ChatReply{
		MessageID:      newMessageID(),
		ConversationID: conversationID,
		Message:        message,
	}
	record := model.ChatHistoryRecord{
		ConversationID: conversationID,
		MessageID:      reply.MessageID,
		Message:        message,
	}

	switch {
	case s.tryIntent(ctx, message, &record):
	case s.tryPattern(ctx, message, &record):
	case s.tryCompletion(ctx, message, conversationID, &record):
	default:
		record.Type = model.HistoryError
		record.Response = s.messages.General
	}

	reply.Type = record.Type
	reply.Response = record.Response
	metrics.ResolutionTotal.WithLabelValues(string(record.Type)).Inc()
	s.saveHistory(ctx, record)

	if s.notifier != nil {
		s.notifier.MessageAdded(sessionID, *reply)
	}
	return reply
}

func (s *chatService) tryIntent(ctx context.Context, message string, record *model.ChatHistoryRecord) bool {
	match := s.intents.Resolve(message)
	if match == nil {
		return false
	}
	log.Debugf("[ChatService] 意图匹配: %s (%.2f)", match.Intent, match.Score)
	record.Type = model.HistoryKeyword
	record.Response = match.Response
	record.Score = match.Score
	s.publishLearning(ctx, record.ConversationID, message, match.Response)
	return true
}

func (s *chatService) tryPattern(ctx context.Context, message string, record *model.ChatHistoryRecord) bool {
	pattern := s.patterns.FindBestMatch(message)
	if pattern == nil || pattern.Score < s.matching.SimilarityThreshold || len(pattern.Responses) == 0 {
		return false
	}
	response := pattern.Responses[s.pick(len(pattern.Responses))]
	log.Debugf("[ChatService] 模式匹配: %s (%.2f)", pattern.Text, pattern.Score)
	record.Type = model.HistoryLearned
	record.Response = response
	record.Score = pattern.Score
	s.publishLearning(ctx, record.ConversationID, message, response)
	return true
}

func (s *chatService) tryCompletion(ctx context.Context, message, conversationID string, record *model.ChatHistoryRecord) bool {
	completion, err := s.completion.Answer(ctx, message, conversationID)
	if err != nil || completion == nil || completion.Text == "" {
		if err != nil {
			record.Error = err.Error()
		}
		return false
	}
	record.Type = model.HistoryClaude
	record.Response = completion.Text
	record.Analysis = completion.Analysis
	return true
}

// publishLearning 把被接受的回答作为有帮助的样本发送到学习队列。
func (s *chatService) publishLearning(ctx context.Context, conversationID, message, response string) {
	if s.queue == nil {
		return
	}
	task := tasks.LearningTask{
		ID:             uuid.NewString(),
		Kind:           tasks.KindFeedback,
		ConversationID: conversationID,
		Message:        message,
		Response:       response,
		Helpful:        true,
		CreatedAt:      s.now(),
	}
	if err := s.queue.Publish(ctx, task); err != nil {
		log.Warnf("[ChatService] 发送学习任务失败: %v", err)
	}
}

// saveHistory 写入聊天记录并归档，失败只记录日志。
func (s *chatService) saveHistory(ctx context.Context, record model.ChatHistoryRecord) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = s.now()
	}
	if err := s.storage.SaveChatHistory(ctx, record); err != nil {
		log.Errorf("[ChatService] 保存聊天记录失败: %v", err)
	}
	if s.archive != nil {
		if err := s.archive.Archive(ctx, record); err != nil {
			log.Warnf("[ChatService] 归档聊天记录失败: %v", err)
		}
	}
}

func (s *chatService) HandleFeedback(ctx context.Context, sessionID string, req model.FeedbackRequest) (*model.ChatReply, error) {
	req.Message = textnorm.Sanitize(req.Message)
	if req.Message == "" || req.Response == "" {
		return nil, ErrInvalidFeedback
	}
	conversationID := s.conversations.ConversationID(ctx, sessionID)

	polarity := "negative"
	if req.IsPositive {
		polarity = "positive"
	}
	metrics.FeedbackTotal.WithLabelValues(polarity).Inc()

	if !req.IsPositive && req.UseAI {
		return s.retryWithAI(ctx, sessionID, conversationID, req), nil
	}

	if err := s.patterns.ProcessLearning(ctx, req.Message, req.Response, req.IsPositive); err != nil {
		log.Warnf("[ChatService] 处理反馈学习失败: %v", err)
	}
	delta := s.matching.ScoreAdjustDelta
	if !req.IsPositive {
		delta = -delta
	}
	if err := s.patterns.AdjustScore(ctx, req.Message, delta); err != nil {
		log.Warnf("[ChatService] 调整模式分数失败: %v", err)
	}

	record := model.FeedbackRecord{
		ConversationID: conversationID,
		MessageID:      req.MessageID,
		IsPositive:     req.IsPositive,
		UseAI:          req.UseAI,
		Message:        req.Message,
		Response:       req.Response,
		CreatedAt:      s.now(),
	}
	if err := s.storage.SaveFeedback(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save feedback: %w", err)
	}
	if s.feedbackRepo != nil {
		if err := s.feedbackRepo.Create(ctx, &record); err != nil {
			log.Warnf("[ChatService] 反馈写入数据库失败: %v", err)
		}
	}
	return nil, nil
}

// retryWithAI 标记原模式待改进，强制让生成服务重新回答，并把回答保存为高质量模式。
func (s *chatService) retryWithAI(ctx context.Context, sessionID, conversationID string, req model.FeedbackRequest) *model.ChatReply {
	if err := s.patterns.MarkForImprovement(ctx, req.Message); err != nil {
		log.Warnf("[ChatService] 标记模式待改进失败: %v", err)
	}

	reply := &model.ChatReply{
		MessageID:         newMessageID(),
		ConversationID:    conversationID,
		Message:           req.Message,
		PreviousMessageID: req.MessageID,
	}
	record := model.ChatHistoryRecord{
		ConversationID:    conversationID,
		MessageID:         reply.MessageID,
		Message:           req.Message,
		IsAIRetry:         true,
		PreviousMessageID: req.MessageID,
	}

	completion, err := s.completion.ForceAnswer(ctx, req.Message, conversationID)
	if err != nil || completion == nil || completion.Text == "" {
		record.Type = model.HistoryError
		record.Response = s.messages.AIUnavailable
		if err != nil {
			record.Error = err.Error()
		}
	} else {
		record.Type = model.HistoryClaude
		record.Response = completion.Text
		record.Analysis = completion.Analysis
		s.saveAIPattern(ctx, conversationID, req.Message, completion.Text)
	}

	reply.Type = record.Type
	reply.Response = record.Response
	metrics.ResolutionTotal.WithLabelValues(string(record.Type)).Inc()
	s.saveHistory(ctx, record)
	if s.notifier != nil {
		s.notifier.AIResponseReady(sessionID, *reply)
	}
	return reply
}

func (s *chatService) saveAIPattern(ctx context.Context, conversationID, question, answer string) {
	if s.queue == nil {
		if _, err := s.patterns.SaveAIResponse(ctx, question, answer); err != nil {
			log.Warnf("[ChatService] 保存 AI 回答失败: %v", err)
		}
		return
	}
	task := tasks.LearningTask{
		ID:             uuid.NewString(),
		Kind:           tasks.KindAIResponse,
		ConversationID: conversationID,
		Message:        question,
		Response:       answer,
		Helpful:        true,
		CreatedAt:      s.now(),
	}
	if err := s.queue.Publish(ctx, task); err != nil {
		log.Warnf("[ChatService] 发送 AI 回答学习任务失败: %v", err)
	}
}

func (s *chatService) History(ctx context.Context, sessionID string) ([]model.ChatHistoryRecord, error) {
	return s.storage.GetChatHistory(ctx, s.conversations.ConversationID(ctx, sessionID))
}

func (s *chatService) SearchHistory(ctx context.Context, query string, size int) ([]model.HistorySearchResult, error) {
	if s.archive == nil {
		return nil, errors.New("history archive is not configured")
	}
	return s.archive.Search(ctx, query, size)
}

// ClearHistory 清空聊天记录和生成缓存，并为会话端开启新会话。
func (s *chatService) ClearHistory(ctx context.Context, sessionID string) error {
	if err := s.storage.ClearChatHistory(ctx); err != nil {
		return err
	}
	if err := s.completion.ClearCache(ctx); err != nil {
		return err
	}
	s.conversations.Reset(ctx, sessionID)
	return nil
}

func (s *chatService) Export(ctx context.Context, sessionID string) (*model.ExportBundle, error) {
	history, err := s.storage.GetChatHistory(ctx, "")
	if err != nil {
		return nil, err
	}
	feedback, err := s.storage.GetFeedback(ctx, "")
	if err != nil {
		return nil, err
	}
	analytics, err := s.storage.GetAnalytics(ctx)
	if err != nil {
		return nil, err
	}
	settings, err := s.storage.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	return &model.ExportBundle{
		History:        history,
		Patterns:       s.patterns.All(),
		Completion:     s.completion.Export(),
		Feedback:       feedback,
		Analytics:      analytics,
		Settings:       settings,
		ConversationID: s.conversations.Info(sessionID).ConversationID,
		ExportedAt:     s.now(),
	}, nil
}

func (s *chatService) ExportToObjectStore(ctx context.Context, sessionID string) (string, error) {
	if s.exporter == nil {
		return "", errors.New("object storage is not configured")
	}
	bundle, err := s.Export(ctx, sessionID)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("exports/fmc-chatbot-data-%s.json", bundle.ExportedAt.Format("2006-01-02-150405"))
	return s.exporter.UploadJSON(ctx, name, bundle)
}

func (s *chatService) Import(ctx context.Context, bundle *model.ExportBundle) error {
	if bundle == nil {
		return ErrInvalidPayload
	}
	if err := s.storage.Import(ctx, bundle); err != nil {
		return fmt.Errorf("failed to import storage data: %w", err)
	}
	if len(bundle.Patterns) > 0 {
		n, err := s.patterns.Import(ctx, bundle.Patterns)
		if err != nil {
			return fmt.Errorf("failed to import patterns: %w", err)
		}
		log.Infof("[ChatService] 导入了 %d 个模式", n)
	}
	if bundle.Completion != nil {
		if err := s.completion.Import(ctx, bundle.Completion); err != nil {
			return fmt.Errorf("failed to import completion cache: %w", err)
		}
	}
	return nil
}

func (s *chatService) DebugInfo(ctx context.Context, sessionID string) (*DebugInfo, error) {
	info := &DebugInfo{
		Conversation: s.conversations.Info(sessionID),
		Sessions:     s.conversations.Sessions(),
		Patterns:     s.patterns.Stats(),
		Completion:   s.completion.Stats(),
	}
	stats, err := s.storage.Stats(ctx)
	if err != nil {
		return nil, err
	}
	info.Storage = stats
	history, err := s.storage.GetChatHistory(ctx, "")
	if err != nil {
		return nil, err
	}
	info.HistorySize = len(history)
	failed, err := s.storage.GetFailedRequests(ctx)
	if err != nil {
		return nil, err
	}
	info.FailedRequests = len(failed)
	return info, nil
}

func (s *chatService) Restore(ctx context.Context) error {
	if err := s.completion.Restore(ctx); err != nil {
		log.Warnf("[ChatService] 恢复生成缓存失败: %v", err)
	}
	pending, err := s.conversations.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore conversations: %w", err)
	}
	for sessionID, messages := range pending {
		sessionID, messages := sessionID, messages
		go func() {
			for _, m := range messages {
				if _, err := s.SendMessage(context.Background(), sessionID, m); err != nil {
					log.Warnf("[ChatService] 重新处理消息失败: %v", err)
				}
			}
		}()
	}
	return nil
}

func (s *chatService) Cleanup(ctx context.Context) error {
	removed := s.completion.Cleanup(ctx)
	cleaned, err := s.storage.Cleanup(ctx)
	if err != nil {
		return err
	}
	pruned := 0
	if cleaned {
		// 同时清理内存缓存，否则下一次备份会把低分模式写回去
		pruned = s.patterns.Prune(ctx, repository.CleanupPatternFloor)
	}
	log.Infof("[ChatService] 清理完成: 过期缓存 %d 条, 存储清理: %t, 低分模式 %d 个", removed, cleaned, pruned)
	return nil
}
