package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"fmc-chatbot-go/internal/config"
	"fmc-chatbot-go/internal/model"
	"fmc-chatbot-go/internal/repository"
	"fmc-chatbot-go/pkg/github"
	"fmc-chatbot-go/pkg/log"
	"fmc-chatbot-go/pkg/metrics"
	"fmc-chatbot-go/pkg/tasks"
	"fmc-chatbot-go/pkg/textnorm"
)

var (
	// ErrInvalidPayload 表示远程记录的正文无法解析为模式。
	ErrInvalidPayload = errors.New("invalid pattern payload")
	// ErrEmptyPattern 表示规范化后的模式文本为空。
	ErrEmptyPattern = errors.New("pattern text is empty after normalization")
)

// PatternStats 是模式库的统计信息。
type PatternStats struct {
	Total            int                         `json:"total"`
	BySource         map[model.PatternSource]int `json:"bySource"`
	NeedsImprovement int                         `json:"needsImprovement"`
	Pending          int                         `json:"pending"`
	AverageScore     float64                     `json:"averageScore"`
	LastSync         *time.Time                  `json:"lastSync,omitempty"`
}

// PatternService 定义了学习模式库的接口。本地缓存是读取的唯一来源，远程写入成功后重新同步。
type PatternService interface {
	Sync(ctx context.Context) error
	FindBestMatch(text string) *model.Pattern
	CreatePattern(ctx context.Context, text, response string) (*model.Pattern, error)
	RecordFeedback(ctx context.Context, patternText string, isPositive bool, note string) error
	AdjustScore(ctx context.Context, patternText string, delta float64) error
	MarkForImprovement(ctx context.Context, patternText string) error
	SaveAIResponse(ctx context.Context, question, response string) (*model.Pattern, error)
	ProcessLearning(ctx context.Context, message, response string, helpful bool) error
	ProcessLearningTask(ctx context.Context, task tasks.LearningTask) error

	Clear(ctx context.Context) error
	// Prune 从缓存和本地备份中删除分数低于 minScore 的模式，返回删除数量。
	Prune(ctx context.Context, minScore float64) int
	All() []*model.Pattern
	Import(ctx context.Context, patterns []*model.Pattern) (int, error)
	Stats() PatternStats
}

type patternService struct {
	backend github.Client
	storage repository.StorageRepository
	cfg     config.MatchingConfig
	now     func() time.Time

	mu       sync.RWMutex
	order    []string
	items    map[string]*model.Pattern
	lastSync *time.Time
}

// NewPatternService 创建一个新的 PatternService。
func NewPatternService(backend github.Client, storage repository.StorageRepository, cfg config.MatchingConfig) PatternService {
	return &patternService{
		backend: backend,
		storage: storage,
		cfg:     cfg,
		now:     time.Now,
		items:   make(map[string]*model.Pattern),
	}
}

// patternPayload 是写入远程记录正文的 JSON 结构。
type patternPayload struct {
	Pattern          string              `json:"pattern"`
	Responses        []string            `json:"responses"`
	Score            float64             `json:"score"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
	Source           model.PatternSource `json:"source"`
	NeedsImprovement bool                `json:"needsImprovement,omitempty"`
	LastFeedback     *time.Time          `json:"lastFeedback,omitempty"`
}

func encodePayload(p *model.Pattern) (string, error) {
	data, err := json.Marshal(patternPayload{
		Pattern:          p.Text,
		Responses:        p.Responses,
		Score:            p.Score,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
		Source:           p.Source,
		NeedsImprovement: p.NeedsImprovement,
		LastFeedback:     p.LastFeedback,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodePayload 严格解析远程记录正文。无法解析的 JSON 或缺少模式文本直接拒绝，
// 其余字段按固定规则修复：非字符串回复丢弃，非法分数为 0，非法时间为 now，未知来源为 keyword。
func decodePayload(body string, now time.Time) (*model.Pattern, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var text string
	if err := json.Unmarshal(raw["pattern"], &text); err != nil {
		return nil, fmt.Errorf("%w: pattern is not a string", ErrInvalidPayload)
	}
	p := &model.Pattern{
		Text:      textnorm.Normalize(text),
		Responses: decodeResponses(raw["responses"]),
		Score:     decodeScore(raw["score"]),
		CreatedAt: decodeTime(raw["createdAt"], now),
		UpdatedAt: decodeTime(raw["updatedAt"], now),
		Source:    model.SourceKeyword,
	}
	if p.Text == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, ErrEmptyPattern)
	}

	var source string
	if json.Unmarshal(raw["source"], &source) == nil && model.PatternSource(source) == model.SourceAI {
		p.Source = model.SourceAI
	}
	var needs bool
	if json.Unmarshal(raw["needsImprovement"], &needs) == nil {
		p.NeedsImprovement = needs
	}
	var last time.Time
	if json.Unmarshal(raw["lastFeedback"], &last) == nil && !last.IsZero() {
		p.LastFeedback = &last
	}
	return p, nil
}

func decodeResponses(raw json.RawMessage) []string {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if json.Unmarshal(item, &s) != nil {
			continue
		}
		if s = textnorm.FormatResponse(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func decodeScore(raw json.RawMessage) float64 {
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return f
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return v
		}
	}
	return 0
}

func decodeTime(raw json.RawMessage, now time.Time) time.Time {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	return now
}

// Sync 先回放待写入的本地模式，再拉取远程全部模式并整体替换缓存。
// 失败时从本地备份恢复，备份也不可用时保留当前缓存。
func (s *patternService) Sync(ctx context.Context) error {
	pending := s.replayPending(ctx)

	issues, err := s.backend.ListIssues(ctx, model.LabelPattern)
	if err != nil {
		metrics.PatternSync.WithLabelValues("fallback").Inc()
		log.Warnf("[PatternService] 同步失败，使用本地备份: %v", err)
		s.loadBackup(ctx)
		return fmt.Errorf("pattern sync failed: %w", err)
	}

	now := s.now()
	order := make([]string, 0, len(issues))
	items := make(map[string]*model.Pattern, len(issues))
	for _, issue := range issues {
		p, err := decodePayload(issue.Body, now)
		if err != nil {
			log.Warnf("[PatternService] 跳过无法解析的记录 #%d: %v", issue.Number, err)
			continue
		}
		if len(p.Responses) == 0 {
			continue
		}
		p.RecordID = issue.Number
		if existing, ok := items[p.Text]; ok {
			// 同一模式有多条记录时保留最新的一条
			if p.RecordID > existing.RecordID {
				items[p.Text] = p
			}
			continue
		}
		order = append(order, p.Text)
		items[p.Text] = p
	}
	// 回放失败的写入仍然保留在缓存中，并覆盖远程的旧版本
	for _, p := range pending {
		if _, ok := items[p.Text]; !ok {
			order = append(order, p.Text)
		}
		items[p.Text] = p
	}

	s.mu.Lock()
	s.order = order
	s.items = items
	s.lastSync = &now
	s.mu.Unlock()

	metrics.PatternSync.WithLabelValues("success").Inc()
	log.Infof("[PatternService] 同步完成，共 %d 个模式", len(order))
	s.backup(ctx)
	return nil
}

// replayPending 把断网期间只写入本地的模式写回远程，返回仍未成功写入的模式。
// 已有远程记录的模式回放为更新，其余回放为新建。
func (s *patternService) replayPending(ctx context.Context) []*model.Pattern {
	pending, err := s.storage.GetPendingPatterns(ctx)
	if err != nil {
		log.Warnf("[PatternService] 读取待回放模式失败: %v", err)
		return nil
	}
	if len(pending) == 0 {
		return nil
	}

	var remaining []*model.Pattern
	for _, p := range pending {
		var err error
		if p.RecordID != 0 {
			err = s.updateRemote(ctx, p, pendingLabels(p))
		} else {
			_, err = s.createRemote(ctx, p)
		}
		if err != nil {
			remaining = append(remaining, p)
			continue
		}
		log.Infof("[PatternService] 已回放本地模式: %s", p.Text)
	}
	if err := s.storage.SavePendingPatterns(ctx, remaining); err != nil {
		log.Warnf("[PatternService] 保存待回放模式失败: %v", err)
	}
	return remaining
}

func (s *patternService) loadBackup(ctx context.Context) {
	patterns, err := s.storage.GetPatterns(ctx)
	if err != nil || len(patterns) == 0 {
		if err != nil {
			log.Warnf("[PatternService] 读取本地备份失败，保留当前缓存: %v", err)
		}
		return
	}
	order := make([]string, 0, len(patterns))
	items := make(map[string]*model.Pattern, len(patterns))
	for _, p := range patterns {
		if p == nil || p.Text == "" {
			continue
		}
		if _, ok := items[p.Text]; !ok {
			order = append(order, p.Text)
		}
		items[p.Text] = p
	}
	s.mu.Lock()
	s.order = order
	s.items = items
	s.mu.Unlock()
}

func (s *patternService) backup(ctx context.Context) {
	if err := s.storage.SavePatterns(ctx, s.All()); err != nil {
		log.Warnf("[PatternService] 备份模式库失败: %v", err)
	}
}

// FindBestMatch 返回加权相似度最高且不低于阈值的模式副本，同分时先出现的优先。
func (s *patternService) FindBestMatch(text string) *model.Pattern {
	normalized := textnorm.Normalize(text)
	if normalized == "" {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *model.Pattern
	highest := 0.0
	for _, key := range s.order {
		p := s.items[key]
		weighted := textnorm.Similarity(normalized, p.Text) * p.Score
		if weighted > highest && weighted >= s.cfg.SimilarityThreshold {
			highest = weighted
			best = p
		}
	}
	return best.Clone()
}

func (s *patternService) lookup(text string) *model.Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[text].Clone()
}

// upsert 写入缓存；新模式追加到末尾，已有模式原位替换。
func (s *patternService) upsert(p *model.Pattern) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[p.Text]; !ok {
		s.order = append(s.order, p.Text)
	}
	s.items[p.Text] = p
}

func (s *patternService) newPattern(text, response string, score float64, source model.PatternSource) (*model.Pattern, error) {
	normalized := textnorm.Normalize(text)
	if normalized == "" {
		return nil, ErrEmptyPattern
	}
	formatted := textnorm.FormatResponse(response)
	if formatted == "" {
		return nil, errors.New("response is empty")
	}
	now := s.now()
	return &model.Pattern{
		Text:      normalized,
		Responses: []string{formatted},
		Score:     score,
		CreatedAt: now,
		UpdatedAt: now,
		Source:    source,
	}, nil
}

func titleFor(p *model.Pattern, original string) string {
	if p.Source == model.SourceAI {
		return fmt.Sprintf("[AI Pattern] %s...", truncateRunes(p.Text, 50))
	}
	return fmt.Sprintf("[Pattern] %s...", truncateRunes(original, 50))
}

func labelsFor(p *model.Pattern) []string {
	if p.Source == model.SourceAI {
		return []string{model.LabelPattern, model.LabelAIGenerated, model.LabelHighQuality}
	}
	return []string{model.LabelPattern, model.ScoreLabel(p.Score)}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// pendingLabels 返回回放更新时要写入的标签；nil 表示保留远程现有标签。
func pendingLabels(p *model.Pattern) []string {
	if p.NeedsImprovement {
		return []string{model.LabelPattern, model.LabelNeedsImprovement}
	}
	return nil
}

func (s *patternService) updateRemote(ctx context.Context, p *model.Pattern, labels []string) error {
	body, err := encodePayload(p)
	if err != nil {
		return err
	}
	return s.backend.UpdateIssue(ctx, p.RecordID, github.IssueUpdate{Body: &body, Labels: labels})
}

func (s *patternService) createRemote(ctx context.Context, p *model.Pattern) (int, error) {
	body, err := encodePayload(p)
	if err != nil {
		return 0, err
	}
	issue, err := s.backend.CreateIssue(ctx, titleFor(p, p.Text), body, labelsFor(p))
	if err != nil {
		return 0, err
	}
	return issue.Number, nil
}

// storeLocally 在远程不可用时把模式写入本地缓存、本地备份和待回放列表。
func (s *patternService) storeLocally(ctx context.Context, p *model.Pattern) {
	p.Pending = true
	s.upsert(p)
	s.backup(ctx)

	pending, err := s.storage.GetPendingPatterns(ctx)
	if err != nil {
		log.Warnf("[PatternService] 读取待回放模式失败: %v", err)
	}
	replaced := false
	for i, existing := range pending {
		if existing.Text == p.Text {
			pending[i] = p.Clone()
			replaced = true
		}
	}
	if !replaced {
		pending = append(pending, p.Clone())
	}
	if err := s.storage.SavePendingPatterns(ctx, pending); err != nil {
		log.Warnf("[PatternService] 保存待回放模式失败: %v", err)
	}
}

// dropPending 在远程写入成功后移除同一模式的待回放项，避免旧版本在下次同步时覆盖远程。
func (s *patternService) dropPending(ctx context.Context, text string) {
	pending, err := s.storage.GetPendingPatterns(ctx)
	if err != nil || len(pending) == 0 {
		return
	}
	kept := pending[:0]
	for _, p := range pending {
		if p.Text != text {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(pending) {
		return
	}
	if err := s.storage.SavePendingPatterns(ctx, kept); err != nil {
		log.Warnf("[PatternService] 保存待回放模式失败: %v", err)
	}
}

// CreatePattern 新建一个分数为 1、来源为 keyword 的模式。远程失败时降级为本地写入。
func (s *patternService) CreatePattern(ctx context.Context, text, response string) (*model.Pattern, error) {
	p, err := s.newPattern(text, response, s.cfg.NewPatternScore, model.SourceKeyword)
	if err != nil {
		return nil, err
	}
	body, err := encodePayload(p)
	if err != nil {
		return nil, err
	}

	issue, err := s.backend.CreateIssue(ctx, titleFor(p, text), body, labelsFor(p))
	if err != nil {
		log.Warnf("[PatternService] 创建远程模式失败，保存到本地: %v", err)
		s.storeLocally(ctx, p)
		return p.Clone(), nil
	}
	p.RecordID = issue.Number
	s.dropPending(ctx, p.Text)
	s.resync(ctx, p)
	return p.Clone(), nil
}

// resync 在远程写入成功后重新同步；同步失败时直接更新缓存中的这一条。
func (s *patternService) resync(ctx context.Context, p *model.Pattern) {
	if err := s.Sync(ctx); err != nil {
		s.upsert(p)
		s.backup(ctx)
	}
}

func cleanNote(note string) string {
	stripped := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, note)
	return strings.Join(strings.Fields(stripped), " ")
}

// RecordFeedback 在远程记录上追加反馈评论，并按 +1/-0.5 重新计算后的分数更新质量档位标签。
func (s *patternService) RecordFeedback(ctx context.Context, patternText string, isPositive bool, note string) error {
	p := s.lookup(textnorm.Normalize(patternText))
	if p == nil {
		return fmt.Errorf("pattern %q not found", patternText)
	}
	if p.RecordID == 0 {
		log.Debugf("[PatternService] 模式尚未写入远程，跳过反馈: %s", p.Text)
		return nil
	}

	thumb := "👎"
	delta := s.cfg.NegativeFeedbackDelta
	if isPositive {
		thumb = "👍"
		delta = s.cfg.PositiveFeedbackDelta
	}
	comment := fmt.Sprintf("Feedback: %s\n%s", thumb, cleanNote(note))
	if err := s.backend.CreateComment(ctx, p.RecordID, comment); err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}

	newScore := p.Score + delta
	labels := []string{model.LabelPattern, model.ScoreLabel(newScore)}
	if err := s.backend.UpdateIssue(ctx, p.RecordID, github.IssueUpdate{Labels: labels}); err != nil {
		return fmt.Errorf("failed to relabel pattern: %w", err)
	}
	s.resync(ctx, p)
	return nil
}

// AdjustScore 按精确匹配找到模式并调整分数（下限为 0）。模式不存在时什么也不做。
func (s *patternService) AdjustScore(ctx context.Context, patternText string, delta float64) error {
	p := s.lookup(textnorm.Normalize(patternText))
	if p == nil {
		return nil
	}
	p.Score = p.Score + delta
	if p.Score < 0 {
		p.Score = 0
	}
	p.UpdatedAt = s.now()
	return s.persistUpdate(ctx, p, nil)
}

// MarkForImprovement 把模式标记为需要改进，不修改分数。
func (s *patternService) MarkForImprovement(ctx context.Context, patternText string) error {
	p := s.lookup(textnorm.Normalize(patternText))
	if p == nil {
		return nil
	}
	now := s.now()
	p.NeedsImprovement = true
	p.LastFeedback = &now
	p.UpdatedAt = now
	return s.persistUpdate(ctx, p, []string{model.LabelPattern, model.LabelNeedsImprovement})
}

// persistUpdate 把修改后的模式写回远程；远程失败或模式尚未写入远程时写入本地并等待下次同步回放。
func (s *patternService) persistUpdate(ctx context.Context, p *model.Pattern, labels []string) error {
	if p.RecordID == 0 {
		s.storeLocally(ctx, p)
		return nil
	}
	if err := s.updateRemote(ctx, p, labels); err != nil {
		log.Warnf("[PatternService] 更新远程模式 #%d 失败，保存到本地: %v", p.RecordID, err)
		s.storeLocally(ctx, p)
		return nil
	}
	p.Pending = false
	s.dropPending(ctx, p.Text)
	s.resync(ctx, p)
	return nil
}

// SaveAIResponse 把生成服务的回答保存为分数为 2、来源为 ai 的高质量模式。
func (s *patternService) SaveAIResponse(ctx context.Context, question, response string) (*model.Pattern, error) {
	p, err := s.newPattern(question, response, s.cfg.AIPatternScore, model.SourceAI)
	if err != nil {
		return nil, err
	}
	number, err := s.createRemote(ctx, p)
	if err != nil {
		log.Warnf("[PatternService] 保存 AI 回答失败，保存到本地: %v", err)
		s.storeLocally(ctx, p)
		return p.Clone(), nil
	}
	p.RecordID = number
	s.dropPending(ctx, p.Text)
	s.resync(ctx, p)
	return p.Clone(), nil
}

// ProcessLearning 已有相似模式时记录反馈；否则只在回答有帮助时新建模式。
func (s *patternService) ProcessLearning(ctx context.Context, message, response string, helpful bool) error {
	if existing := s.FindBestMatch(message); existing != nil {
		return s.RecordFeedback(ctx, existing.Text, helpful, message)
	}
	if !helpful {
		return nil
	}
	_, err := s.CreatePattern(ctx, message, response)
	return err
}

// ProcessLearningTask 处理学习队列中的一个任务。
func (s *patternService) ProcessLearningTask(ctx context.Context, task tasks.LearningTask) error {
	switch task.Kind {
	case tasks.KindFeedback:
		return s.ProcessLearning(ctx, task.Message, task.Response, task.Helpful)
	case tasks.KindAIResponse:
		_, err := s.SaveAIResponse(ctx, task.Message, task.Response)
		return err
	default:
		return fmt.Errorf("unknown learning task kind %q", task.Kind)
	}
}

// Clear 清空本地缓存、本地备份和待回放列表，不删除远程记录。
func (s *patternService) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.order = nil
	s.items = make(map[string]*model.Pattern)
	s.mu.Unlock()

	if err := s.storage.SavePatterns(ctx, nil); err != nil {
		return err
	}
	return s.storage.SavePendingPatterns(ctx, nil)
}

// Prune 不删除远程记录和待回放的模式。
func (s *patternService) Prune(ctx context.Context, minScore float64) int {
	s.mu.Lock()
	order := s.order[:0]
	removed := 0
	for _, key := range s.order {
		p := s.items[key]
		if p.Score < minScore && !p.Pending {
			delete(s.items, key)
			removed++
			continue
		}
		order = append(order, key)
	}
	s.order = order
	s.mu.Unlock()

	if removed > 0 {
		log.Infof("[PatternService] 清理了 %d 个低分模式", removed)
	}
	s.backup(ctx)
	return removed
}

// All 按缓存顺序返回全部模式的副本。
func (s *patternService) All() []*model.Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Pattern, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.items[key].Clone())
	}
	return out
}

// Import 校验并合并外部模式到本地缓存，返回导入的数量。
func (s *patternService) Import(ctx context.Context, patterns []*model.Pattern) (int, error) {
	now := s.now()
	imported := 0
	for _, in := range patterns {
		if in == nil {
			continue
		}
		p := in.Clone()
		p.Text = textnorm.Normalize(p.Text)
		responses := make([]string, 0, len(p.Responses))
		for _, r := range p.Responses {
			if r = textnorm.FormatResponse(r); r != "" {
				responses = append(responses, r)
			}
		}
		p.Responses = responses
		if p.Text == "" || len(p.Responses) == 0 {
			continue
		}
		if p.Source != model.SourceAI {
			p.Source = model.SourceKeyword
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		s.upsert(p)
		imported++
	}
	if err := s.storage.SavePatterns(ctx, s.All()); err != nil {
		return imported, err
	}
	return imported, nil
}

func (s *patternService) Stats() PatternStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := PatternStats{BySource: map[model.PatternSource]int{}}
	total := 0.0
	for _, key := range s.order {
		p := s.items[key]
		stats.Total++
		stats.BySource[p.Source]++
		total += p.Score
		if p.NeedsImprovement {
			stats.NeedsImprovement++
		}
		if p.Pending {
			stats.Pending++
		}
	}
	if stats.Total > 0 {
		stats.AverageScore = total / float64(stats.Total)
	}
	if s.lastSync != nil {
		t := *s.lastSync
		stats.LastSync = &t
	}
	return stats
}
