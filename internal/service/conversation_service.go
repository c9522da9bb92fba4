// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fmc-chatbot-go/internal/model"
	"fmc-chatbot-go/internal/repository"
	"fmc-chatbot-go/pkg/log"
)

// ConversationService 管理每个会话端的会话标识和消息队列。
// 同一个会话端的消息严格按提交顺序逐条处理，不同会话端之间互不阻塞。
type ConversationService interface {
	// Submit 把消息加入会话端的队列并等待 run 执行完毕。
	// ctx 结束时立即返回 ctx.Err()，已入队的消息仍会被处理。
	Submit(ctx context.Context, sessionID, message string, run func(conversationID string)) error
	// ConversationID 返回会话端当前的会话标识，超时或不存在时生成新的。
	ConversationID(ctx context.Context, sessionID string) string
	Reset(ctx context.Context, sessionID string)
	// Restore 恢复未超时的会话状态，返回每个会话端尚未处理的消息。
	Restore(ctx context.Context) (map[string][]string, error)
	Info(sessionID string) model.ConversationInfo
	Sessions() []model.ConversationInfo
}

type conversationJob struct {
	message string
	run     func(conversationID string)
	done    chan struct{}
}

type session struct {
	id             string
	conversationID string
	startedAt      time.Time
	queue          []*conversationJob
	processing     bool
}

type conversationService struct {
	storage repository.StorageRepository
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewConversationService 创建一个新的 ConversationService。
func NewConversationService(storage repository.StorageRepository, timeout time.Duration) ConversationService {
	return &conversationService{
		storage:  storage,
		timeout:  timeout,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

func newConversationID() string {
	return "conv_" + uuid.NewString()
}

// sessionLocked 返回会话端状态，必要时创建。调用方持有 s.mu。
func (s *conversationService) sessionLocked(sessionID string) *session {
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &session{id: sessionID}
		s.sessions[sessionID] = sess
	}
	return sess
}

// ensureLocked 在会话不存在或超时后开启新会话，返回是否发生了变化。
func (s *conversationService) ensureLocked(sess *session) bool {
	now := s.now()
	if sess.conversationID != "" && now.Sub(sess.startedAt) <= s.timeout {
		return false
	}
	if sess.conversationID != "" {
		log.Infof("[ConversationService] 会话 %s 已超时，开启新会话", sess.conversationID)
	}
	sess.conversationID = newConversationID()
	sess.startedAt = now
	return true
}

func (s *conversationService) ConversationID(ctx context.Context, sessionID string) string {
	s.mu.Lock()
	sess := s.sessionLocked(sessionID)
	changed := s.ensureLocked(sess)
	id := sess.conversationID
	s.mu.Unlock()

	if changed {
		s.persist(ctx, sessionID)
	}
	return id
}

func (s *conversationService) Submit(ctx context.Context, sessionID, message string, run func(conversationID string)) error {
	job := &conversationJob{message: message, run: run, done: make(chan struct{})}

	s.mu.Lock()
	sess := s.sessionLocked(sessionID)
	sess.queue = append(sess.queue, job)
	start := !sess.processing
	if start {
		sess.processing = true
	}
	s.mu.Unlock()

	s.persist(ctx, sessionID)
	if start {
		go s.drain(sess)
	}

	select {
	case <-job.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain 逐条处理会话端队列中的消息，队列为空时退出。
func (s *conversationService) drain(sess *session) {
	for {
		s.mu.Lock()
		if len(sess.queue) == 0 {
			sess.processing = false
			s.mu.Unlock()
			return
		}
		job := sess.queue[0]
		changed := s.ensureLocked(sess)
		conversationID := sess.conversationID
		s.mu.Unlock()

		if changed {
			s.persist(context.Background(), sess.id)
		}
		s.runJob(job, conversationID)

		s.mu.Lock()
		sess.queue = sess.queue[1:]
		s.mu.Unlock()
		s.persist(context.Background(), sess.id)
		close(job.done)
	}
}

func (s *conversationService) runJob(job *conversationJob, conversationID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[ConversationService] 处理消息时发生 panic: %v", r)
		}
	}()
	job.run(conversationID)
}

func (s *conversationService) Reset(ctx context.Context, sessionID string) {
	s.mu.Lock()
	sess := s.sessionLocked(sessionID)
	sess.conversationID = newConversationID()
	sess.startedAt = s.now()
	s.mu.Unlock()
	s.persist(ctx, sessionID)
}

// persist 把会话端状态写入设置，失败只记录日志。
func (s *conversationService) persist(ctx context.Context, sessionID string) {
	if s.storage == nil {
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	state := model.ChatState{
		ConversationID:        sess.conversationID,
		ConversationStartTime: sess.startedAt,
		MessageQueue:          make([]string, 0, len(sess.queue)),
	}
	for _, job := range sess.queue {
		state.MessageQueue = append(state.MessageQueue, job.message)
	}
	s.mu.Unlock()

	err := s.storage.UpdateSettings(ctx, func(settings *model.Settings) {
		if settings.ChatStates == nil {
			settings.ChatStates = make(map[string]model.ChatState)
		}
		settings.ChatStates[sessionID] = state
	})
	if err != nil {
		log.Warnf("[ConversationService] 保存会话状态失败: %v", err)
	}
}

func (s *conversationService) Restore(ctx context.Context) (map[string][]string, error) {
	settings, err := s.storage.GetSettings(ctx)
	if err != nil {
		return nil, err
	}

	pending := make(map[string][]string)
	expired := make([]string, 0)
	now := s.now()

	s.mu.Lock()
	for sessionID, state := range settings.ChatStates {
		if state.ConversationID == "" || now.Sub(state.ConversationStartTime) > s.timeout {
			expired = append(expired, sessionID)
			continue
		}
		sess := s.sessionLocked(sessionID)
		sess.conversationID = state.ConversationID
		sess.startedAt = state.ConversationStartTime
		if len(state.MessageQueue) > 0 {
			pending[sessionID] = append([]string(nil), state.MessageQueue...)
		}
	}
	s.mu.Unlock()

	if len(expired) > 0 {
		err := s.storage.UpdateSettings(ctx, func(settings *model.Settings) {
			for _, id := range expired {
				delete(settings.ChatStates, id)
			}
		})
		if err != nil {
			log.Warnf("[ConversationService] 清理过期会话状态失败: %v", err)
		}
	}
	log.Infof("[ConversationService] 恢复了 %d 个会话端，丢弃 %d 个过期会话", len(settings.ChatStates)-len(expired), len(expired))
	return pending, nil
}

func (s *conversationService) infoLocked(sess *session) model.ConversationInfo {
	info := model.ConversationInfo{
		SessionID:       sess.id,
		ConversationID:  sess.conversationID,
		StartedAt:       sess.startedAt,
		PendingMessages: len(sess.queue),
		Processing:      sess.processing,
	}
	if !sess.startedAt.IsZero() {
		info.Age = s.now().Sub(sess.startedAt)
	}
	return info
}

func (s *conversationService) Info(sessionID string) model.ConversationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return model.ConversationInfo{SessionID: sessionID}
	}
	return s.infoLocked(sess)
}

func (s *conversationService) Sessions() []model.ConversationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ConversationInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, s.infoLocked(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}
