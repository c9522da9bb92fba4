package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"fmc-chatbot-go/internal/config"
	"fmc-chatbot-go/internal/model"
	"fmc-chatbot-go/internal/repository"
	"fmc-chatbot-go/pkg/llm"
	"fmc-chatbot-go/pkg/log"
	"fmc-chatbot-go/pkg/metrics"
	"fmc-chatbot-go/pkg/tasks"
	"fmc-chatbot-go/pkg/textnorm"
)

var (
	// ErrRateLimited 表示当前一分钟窗口内的请求数已达上限。
	ErrRateLimited = errors.New("completion rate limit exceeded")
	// ErrNoAnswer 表示重试耗尽后仍然没有得到回答。
	ErrNoAnswer = errors.New("completion provider returned no answer")
)

// 上下文缓冲区的全局上限是单个会话窗口的倍数。
const contextBufferFactor = 10

// CompletionStats 是生成服务的运行统计。
type CompletionStats struct {
	CacheSize        int `json:"cacheSize"`
	ContextSize      int `json:"contextSize"`
	RequestsInWindow int `json:"requestsInWindow"`
	RateLimit        int `json:"rateLimit"`
	CacheHits        int `json:"cacheHits"`
	ProviderCalls    int `json:"providerCalls"`
	Failures         int `json:"failures"`
}

// CompletionService 定义了生成服务的接口。
type CompletionService interface {
	// Answer 按 缓存 -> 限流 -> 分类 -> 上下文 -> 提示词 -> 带重试的调用 的顺序生成回答。
	Answer(ctx context.Context, message, conversationID string) (*model.Completion, error)
	// ForceAnswer 跳过缓存重新生成回答，用于用户要求 AI 重新回答。
	ForceAnswer(ctx context.Context, message, conversationID string) (*model.Completion, error)
	Classify(message string) *model.Analysis

	Restore(ctx context.Context) error
	Cleanup(ctx context.Context) int
	ClearCache(ctx context.Context) error
	Export() *model.CompletionBackup
	Import(ctx context.Context, backup *model.CompletionBackup) error
	Stats() CompletionStats
}

type topicTable struct {
	keywords    []string
	departments []string
	// departmentNames 与 departments 一一对应，保存原始名称。
	departmentNames []string
	topics          []string
	weight          float64
}

type cacheEntry struct {
	completion model.Completion
	createdAt  time.Time
}

type completionService struct {
	provider llm.Client
	storage  repository.StorageRepository
	queue    LearningQueue
	clinic   config.ClinicConfig
	cfg      config.CompletionConfig
	tables   []topicTable
	limiter  *rateLimiter
	now      func() time.Time

	mu         sync.Mutex
	cacheOrder []string
	cache      map[string]cacheEntry
	turns      []model.ContextTurn
	hits       int
	calls      int
	failures   int
}

// NewCompletionService 创建一个新的 CompletionService。queue 为 nil 时不发送学习任务。
func NewCompletionService(provider llm.Client, storage repository.StorageRepository, queue LearningQueue, clinic config.ClinicConfig, cfg config.CompletionConfig) CompletionService {
	s := &completionService{
		provider: provider,
		storage:  storage,
		queue:    queue,
		clinic:   clinic,
		cfg:      cfg,
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
	}
	s.tables = buildTopicTables(clinic)
	s.limiter = newRateLimiter(cfg.RateLimitPerMinute, time.Minute, func() time.Time { return s.now() })
	return s
}

func buildTopicTables(clinic config.ClinicConfig) []topicTable {
	deptTable := topicTable{
		keywords: foldAll([]string{"khoa", "chuyên khoa", "bác sĩ", "bác sỹ", "chuyên gia", "chuyên môn", "trình độ", "kinh nghiệm"}),
		topics:   []string{"departments", "doctors"},
		weight:   1.2,
	}
	for _, d := range clinic.Departments {
		if n := textnorm.Fold(d.Name); n != "" {
			deptTable.departments = append(deptTable.departments, n)
			deptTable.departmentNames = append(deptTable.departmentNames, d.Name)
		}
	}
	return []topicTable{
		{
			keywords: foldAll([]string{"phòng khám", "địa chỉ", "điện thoại", "liên hệ", "giờ làm việc", "thời gian", "mở cửa", "đóng cửa"}),
			topics:   []string{"contact", "schedule"},
			weight:   1.0,
		},
		deptTable,
		{
			keywords: foldAll([]string{"dịch vụ", "khám bệnh", "điều trị", "tư vấn", "chi phí", "giá", "bảo hiểm"}),
			topics:   []string{"services", "pricing"},
			weight:   1.1,
		},
	}
}

func foldAll(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if f := textnorm.Fold(it); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Classify 用话题表为消息打分。任一关键词命中即视为领域内问题；科室全名命中计双倍分。
// 保留变音符号并按整词匹配，"giá" 不会命中 "gia đình" 或 "thời gian"。
func (s *completionService) Classify(message string) *model.Analysis {
	folded := textnorm.Fold(message)
	analysis := &model.Analysis{Topics: []string{}, RelevantDepartments: []string{}}
	if folded == "" {
		return analysis
	}
	padded := " " + folded + " "

	for _, table := range s.tables {
		tableScore := 0.0
		for _, k := range table.keywords {
			if strings.Contains(padded, " "+k+" ") {
				tableScore++
				analysis.IsDomainQuestion = true
				for _, topic := range table.topics {
					analysis.Topics = appendUnique(analysis.Topics, topic)
				}
			}
		}
		for i, d := range table.departments {
			if strings.Contains(padded, " "+d+" ") {
				tableScore += 2
				analysis.RelevantDepartments = appendUnique(analysis.RelevantDepartments, table.departmentNames[i])
			}
		}
		analysis.Score += tableScore * table.weight
	}
	return analysis
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func (s *completionService) Answer(ctx context.Context, message, conversationID string) (*model.Completion, error) {
	return s.answer(ctx, message, conversationID, false)
}

func (s *completionService) ForceAnswer(ctx context.Context, message, conversationID string) (*model.Completion, error) {
	return s.answer(ctx, message, conversationID, true)
}

func (s *completionService) answer(ctx context.Context, message, conversationID string, force bool) (*model.Completion, error) {
	key := textnorm.Normalize(message)
	if !force {
		if cached, ok := s.cached(key); ok {
			metrics.CompletionRequests.WithLabelValues("cache_hit").Inc()
			log.Debugf("[CompletionService] 缓存命中: %s", key)
			return cached, nil
		}
	}

	if !s.limiter.Allow() {
		return nil, s.fail(ctx, message, ErrRateLimited, 0)
	}

	analysis := s.Classify(message)
	prior := s.manageContext(message, conversationID)
	system := s.buildPrompt(analysis, prior)
	messages := composeMessages(prior, message)

	text, attempts, err := s.callWithRetry(ctx, system, messages)
	if err != nil {
		return nil, s.fail(ctx, message, fmt.Errorf("%w: %v", ErrNoAnswer, err), attempts-1)
	}

	completion := model.Completion{Text: text, IsDomainQuestion: analysis.IsDomainQuestion, Analysis: analysis}
	s.store(key, completion)
	s.recordResponse(conversationID, message, text)
	s.backup(ctx)
	metrics.CompletionRequests.WithLabelValues("success").Inc()

	// 强制重答来自负面反馈，调用方会自行保存 AI 模式，不能再把旧模式当作有用
	if analysis.IsDomainQuestion && !force && s.queue != nil {
		task := tasks.LearningTask{
			ID:             uuid.NewString(),
			Kind:           tasks.KindFeedback,
			ConversationID: conversationID,
			Message:        message,
			Response:       text,
			Helpful:        true,
			CreatedAt:      s.now(),
		}
		if err := s.queue.Publish(ctx, task); err != nil {
			log.Warnf("[CompletionService] 发送学习任务失败: %v", err)
		}
	}

	out := completion
	return &out, nil
}

// callWithRetry 首次调用失败后按 1s、2s、4s 的间隔最多重试 MaxRetries 次，返回实际调用次数。
func (s *completionService) callWithRetry(ctx context.Context, system string, messages []llm.Message) (string, int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitialInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = s.cfg.RetryInitialInterval << uint(s.cfg.MaxRetries)
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := 0
	var text string
	op := func() error {
		attempts++
		s.mu.Lock()
		s.calls++
		s.mu.Unlock()

		var err error
		text, err = s.provider.Complete(ctx, system, messages)
		if err != nil {
			log.Warnf("[CompletionService] 第 %d 次调用失败: %v", attempts, err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", attempts, err
	}
	return text, attempts, nil
}

// fail 把失败记录到持久化的失败请求列表，返回原错误。
func (s *completionService) fail(ctx context.Context, message string, err error, retries int) error {
	s.mu.Lock()
	s.failures++
	s.mu.Unlock()

	outcome := "failure"
	if errors.Is(err, ErrRateLimited) {
		outcome = "rate_limited"
	}
	metrics.CompletionRequests.WithLabelValues(outcome).Inc()
	log.Errorf("[CompletionService] 生成回答失败: %v", err)

	req := model.FailedRequest{
		Message:    message,
		Error:      err.Error(),
		Timestamp:  s.now(),
		RetryCount: retries,
	}
	if retries > 0 {
		last := s.now()
		req.LastRetry = &last
	}
	if saveErr := s.storage.SaveFailedRequest(ctx, req); saveErr != nil {
		log.Warnf("[CompletionService] 保存失败请求出错: %v", saveErr)
	}
	return err
}

// cached 返回未过期的缓存项；过期项在这里惰性删除。
func (s *completionService) cached(key string) (*model.Completion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[key]
	if !ok {
		return nil, false
	}
	if s.now().Sub(entry.createdAt) >= s.cfg.CacheTTL {
		s.removeLocked(key)
		return nil, false
	}
	s.hits++
	out := entry.completion
	return &out, true
}

func (s *completionService) store(key string, completion model.Completion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[key]; ok {
		s.removeLocked(key)
	}
	for len(s.cacheOrder) >= s.cfg.MaxCacheSize && len(s.cacheOrder) > 0 {
		s.removeLocked(s.cacheOrder[0])
	}
	s.cache[key] = cacheEntry{completion: completion, createdAt: s.now()}
	s.cacheOrder = append(s.cacheOrder, key)
}

func (s *completionService) removeLocked(key string) {
	delete(s.cache, key)
	for i, k := range s.cacheOrder {
		if k == key {
			s.cacheOrder = append(s.cacheOrder[:i], s.cacheOrder[i+1:]...)
			return
		}
	}
}

// manageContext 返回该会话最近的若干轮对话，然后把当前消息追加到全局缓冲区并修剪。
func (s *completionService) manageContext(message, conversationID string) []model.ContextTurn {
	if conversationID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var prior []model.ContextTurn
	for _, t := range s.turns {
		if t.ConversationID == conversationID {
			prior = append(prior, t)
		}
	}
	if len(prior) > s.cfg.MaxContextTurns {
		prior = prior[len(prior)-s.cfg.MaxContextTurns:]
	}

	now := s.now()
	s.turns = append(s.turns, model.ContextTurn{ConversationID: conversationID, Message: message, Timestamp: now})

	kept := s.turns[:0]
	for _, t := range s.turns {
		if t.ConversationID == conversationID || now.Sub(t.Timestamp) < s.cfg.CacheTTL {
			kept = append(kept, t)
		}
	}
	limit := s.cfg.MaxContextTurns * contextBufferFactor
	if len(kept) > limit {
		kept = kept[len(kept)-limit:]
	}
	s.turns = kept
	return prior
}

// recordResponse 把回答写到该会话最后一条尚未回答的同一消息上。
func (s *completionService) recordResponse(conversationID, message, response string) {
	if conversationID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.turns) - 1; i >= 0; i-- {
		t := &s.turns[i]
		if t.ConversationID == conversationID && t.Message == message && t.Response == "" {
			t.Response = response
			return
		}
	}
}

func composeMessages(prior []model.ContextTurn, message string) []llm.Message {
	msgs := make([]llm.Message, 0, len(prior)*2+1)
	for _, t := range prior {
		msgs = append(msgs, llm.Message{Role: "user", Content: t.Message})
		if t.Response != "" {
			msgs = append(msgs, llm.Message{Role: "assistant", Content: t.Response})
		}
	}
	return append(msgs, llm.Message{Role: "user", Content: message})
}

// buildPrompt 构建领域提示词；领域外的问题不构建提示词。
func (s *completionService) buildPrompt(analysis *model.Analysis, prior []model.ContextTurn) string {
	if analysis == nil || !analysis.IsDomainQuestion {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Bạn là trợ lý ảo của phòng khám %s. ", s.clinic.Name)
	b.WriteString("Hãy trả lời ngắn gọn, chuyên nghiệp và chính xác. ")

	if len(analysis.RelevantDepartments) > 0 {
		b.WriteString("Thông tin chuyên khoa:\n")
		for _, name := range analysis.RelevantDepartments {
			for _, d := range s.clinic.Departments {
				if d.Name == name {
					b.WriteString(departmentFacts(d))
				}
			}
		}
	}

	if analysis.HasTopic("contact") || analysis.HasTopic("schedule") {
		fmt.Fprintf(&b, "\nThông tin cơ bản về phòng khám:\n- Tên: %s\n- Địa chỉ: %s\n- Điện thoại: %s\n- Giờ làm việc:\n  %s\n  %s\n",
			s.clinic.Name, s.clinic.Address, s.clinic.Phone, s.clinic.WorkingHours.Weekday, s.clinic.WorkingHours.Sunday)
	}

	if len(prior) > 0 {
		b.WriteString("\nContext từ cuộc hội thoại:\n")
		for _, t := range prior {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", t.Message, t.Response)
		}
	}

	if analysis.HasTopic("pricing") {
		b.WriteString("Với câu hỏi về chi phí, hãy đề xuất liên hệ trực tiếp phòng khám để có thông tin chính xác nhất. ")
	}
	return strings.TrimSpace(b.String())
}

func departmentFacts(d config.DepartmentConfig) string {
	doctors := make([]string, 0, len(d.Doctors))
	for _, doc := range d.Doctors {
		if doc.Position != "" {
			doctors = append(doctors, fmt.Sprintf("%s (%s, %s)", doc.Name, doc.Degree, doc.Position))
		} else {
			doctors = append(doctors, fmt.Sprintf("%s (%s)", doc.Name, doc.Degree))
		}
	}
	return fmt.Sprintf("%s:\n- Mô tả: %s\n- Bác sĩ: %s\n- Dịch vụ: %s\n",
		d.Name, d.Description, strings.Join(doctors, ", "), strings.Join(d.Services, ", "))
}

func (s *completionService) backup(ctx context.Context) {
	if err := s.storage.SaveCompletionBackup(ctx, s.Export()); err != nil {
		log.Warnf("[CompletionService] 备份缓存失败: %v", err)
	}
}

// Export 返回缓存和上下文缓冲区的快照。
func (s *completionService) Export() *model.CompletionBackup {
	s.mu.Lock()
	defer s.mu.Unlock()
	backup := &model.CompletionBackup{
		Cache:     make([]model.CachedCompletion, 0, len(s.cacheOrder)),
		Context:   append([]model.ContextTurn(nil), s.turns...),
		Timestamp: s.now(),
	}
	for _, key := range s.cacheOrder {
		entry := s.cache[key]
		backup.Cache = append(backup.Cache, model.CachedCompletion{Key: key, Response: entry.completion, CreatedAt: entry.createdAt})
	}
	return backup
}

func (s *completionService) load(backup *model.CompletionBackup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cacheEntry, len(backup.Cache))
	s.cacheOrder = s.cacheOrder[:0]
	for _, c := range backup.Cache {
		if c.Key == "" {
			continue
		}
		if _, ok := s.cache[c.Key]; !ok {
			s.cacheOrder = append(s.cacheOrder, c.Key)
		}
		s.cache[c.Key] = cacheEntry{completion: c.Response, createdAt: c.CreatedAt}
	}
	for len(s.cacheOrder) > s.cfg.MaxCacheSize {
		delete(s.cache, s.cacheOrder[0])
		s.cacheOrder = s.cacheOrder[1:]
	}
	s.turns = append([]model.ContextTurn(nil), backup.Context...)
}

// Restore 从持久化存储恢复缓存；备份早于 TTL 时忽略。
func (s *completionService) Restore(ctx context.Context) error {
	backup, err := s.storage.GetCompletionBackup(ctx)
	if err != nil {
		return fmt.Errorf("failed to read completion backup: %w", err)
	}
	if backup == nil || s.now().Sub(backup.Timestamp) >= s.cfg.CacheTTL {
		return nil
	}
	s.load(backup)
	log.Infof("[CompletionService] 从备份恢复了 %d 条缓存", len(backup.Cache))
	return nil
}

// Import 用导入的数据替换缓存和上下文，并立即备份。
func (s *completionService) Import(ctx context.Context, backup *model.CompletionBackup) error {
	if backup == nil {
		return errors.New("no completion data to import")
	}
	s.load(backup)
	s.backup(ctx)
	return nil
}

// Cleanup 删除过期的缓存项和上下文，返回删除的缓存项数量。
func (s *completionService) Cleanup(ctx context.Context) int {
	s.mu.Lock()
	now := s.now()
	removed := 0
	kept := s.cacheOrder[:0]
	for _, key := range s.cacheOrder {
		if now.Sub(s.cache[key].createdAt) >= s.cfg.CacheTTL {
			delete(s.cache, key)
			removed++
			continue
		}
		kept = append(kept, key)
	}
	s.cacheOrder = kept

	turns := s.turns[:0]
	for _, t := range s.turns {
		if now.Sub(t.Timestamp) < s.cfg.CacheTTL {
			turns = append(turns, t)
		}
	}
	s.turns = turns
	s.mu.Unlock()

	s.backup(ctx)
	return removed
}

func (s *completionService) ClearCache(ctx context.Context) error {
	s.mu.Lock()
	s.cache = make(map[string]cacheEntry)
	s.cacheOrder = nil
	s.turns = nil
	s.mu.Unlock()
	return s.storage.ClearCompletionBackup(ctx)
}

func (s *completionService) Stats() CompletionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CompletionStats{
		CacheSize:        len(s.cacheOrder),
		ContextSize:      len(s.turns),
		RequestsInWindow: s.limiter.Count(),
		RateLimit:        s.cfg.RateLimitPerMinute,
		CacheHits:        s.hits,
		ProviderCalls:    s.calls,
		Failures:         s.failures,
	}
}

// rateLimiter 是固定窗口计数器：窗口开始超过 window 后计数清零。
type rateLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	count       int
	windowStart time.Time
	now         func() time.Time
}

func newRateLimiter(limit int, window time.Duration, now func() time.Time) *rateLimiter {
	return &rateLimiter{limit: limit, window: window, now: now, windowStart: now()}
}

// Allow 在额度内时计数并返回 true。
func (r *rateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if now.Sub(r.windowStart) > r.window {
		r.count = 0
		r.windowStart = now
	}
	if r.count >= r.limit {
		return false
	}
	r.count++
	return true
}

func (r *rateLimiter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
