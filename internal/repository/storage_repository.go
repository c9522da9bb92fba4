package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"fmc-chatbot-go/internal/model"
)

// 存储键
const (
	ChatHistoryKey    = "fmc_chat_history"
	PatternsKey       = "fmc_learned_patterns"
	PendingPatternKey = "fmc_pending_patterns"
	SettingsKey       = "fmc_chat_settings"
	CompletionDataKey = "fmc_claude_data"
	FailedRequestsKey = "fmc_failed_requests"
	FeedbackKey       = "fmc_feedback_data"
	AnalyticsKey      = "fmc_analytics_data"
)

// CleanupPatternFloor 是存储清理时保留模式的最低分数。
const CleanupPatternFloor = 0.5

const (
	maxFailedRequests    = 100
	maxFeedbackRecords   = 1000
	maxAnalyticsDetails  = 1000
	analyticsRetention   = 30 * 24 * time.Hour
	cleanupUsagePercent  = 80
	cleanupHistoryKeep   = 50
	cleanupCacheMaxAge   = 7 * 24 * time.Hour
	cleanupFailedMaxAge  = 24 * time.Hour
	defaultMaxHistory    = 100
	defaultQuotaBytes    = 5 * 1024 * 1024
	analyticsDateLayout  = "2006-01-02"
	analyticsTypeFeeback = "feedback"
)

var allKeys = []string{
	ChatHistoryKey, PatternsKey, PendingPatternKey, SettingsKey,
	CompletionDataKey, FailedRequestsKey, FeedbackKey, AnalyticsKey,
}

// StorageRepository 管理键值存储中的聊天记录、备份、失败请求、反馈、统计和设置。
type StorageRepository interface {
	SaveChatHistory(ctx context.Context, record model.ChatHistoryRecord) error
	GetChatHistory(ctx context.Context, conversationID string) ([]model.ChatHistoryRecord, error)
	ClearChatHistory(ctx context.Context) error

	SavePatterns(ctx context.Context, patterns []*model.Pattern) error
	GetPatterns(ctx context.Context) ([]*model.Pattern, error)
	SavePendingPatterns(ctx context.Context, patterns []*model.Pattern) error
	GetPendingPatterns(ctx context.Context) ([]*model.Pattern, error)

	SaveCompletionBackup(ctx context.Context, backup *model.CompletionBackup) error
	GetCompletionBackup(ctx context.Context) (*model.CompletionBackup, error)
	ClearCompletionBackup(ctx context.Context) error

	SaveFailedRequest(ctx context.Context, req model.FailedRequest) error
	GetFailedRequests(ctx context.Context) ([]model.FailedRequest, error)

	SaveFeedback(ctx context.Context, record model.FeedbackRecord) error
	GetFeedback(ctx context.Context, conversationID string) ([]model.FeedbackRecord, error)

	UpdateAnalytics(ctx context.Context, eventType string, detail interface{}) error
	GetAnalytics(ctx context.Context) (map[string]model.AnalyticsBucket, error)

	GetSettings(ctx context.Context) (*model.Settings, error)
	UpdateSettings(ctx context.Context, mutate func(*model.Settings)) error

	Stats(ctx context.Context) (*model.StorageStats, error)
	Cleanup(ctx context.Context) (bool, error)
	Import(ctx context.Context, bundle *model.ExportBundle) error
}

type storageRepository struct {
	store      Store
	maxHistory int
	quotaBytes int
	now        func() time.Time
	// 读-改-写操作需要串行化
	mu sync.Mutex
}

// NewStorageRepository 创建一个新的 StorageRepository 实例。
func NewStorageRepository(store Store, maxHistory, quotaBytes int) StorageRepository {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	if quotaBytes <= 0 {
		quotaBytes = defaultQuotaBytes
	}
	return &storageRepository{
		store:      store,
		maxHistory: maxHistory,
		quotaBytes: quotaBytes,
		now:        time.Now,
	}
}

func (r *storageRepository) load(ctx context.Context, key string, out interface{}) (bool, error) {
	raw, ok, err := r.store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (r *storageRepository) save(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return r.store.Set(ctx, key, string(data))
}

// SaveChatHistory 追加一条聊天记录，超过上限时丢弃最旧的记录，并更新对应类型的统计。
func (r *storageRepository) SaveChatHistory(ctx context.Context, record model.ChatHistoryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var history []model.ChatHistoryRecord
	if _, err := r.load(ctx, ChatHistoryKey, &history); err != nil {
		return err
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = r.now()
	}
	history = append(history, record)
	if len(history) > r.maxHistory {
		history = history[len(history)-r.maxHistory:]
	}
	if err := r.save(ctx, ChatHistoryKey, history); err != nil {
		return err
	}
	return r.updateAnalyticsLocked(ctx, string(record.Type), record)
}

// GetChatHistory 获取聊天记录；conversationID 非空时只返回该会话的记录。
func (r *storageRepository) GetChatHistory(ctx context.Context, conversationID string) ([]model.ChatHistoryRecord, error) {
	var history []model.ChatHistoryRecord
	if _, err := r.load(ctx, ChatHistoryKey, &history); err != nil {
		return nil, err
	}
	if conversationID == "" {
		return history, nil
	}
	filtered := make([]model.ChatHistoryRecord, 0, len(history))
	for _, h := range history {
		if h.ConversationID == conversationID {
			filtered = append(filtered, h)
		}
	}
	return filtered, nil
}

func (r *storageRepository) ClearChatHistory(ctx context.Context) error {
	return r.store.Remove(ctx, ChatHistoryKey)
}

// SavePatterns 保存模式库的本地备份。
func (r *storageRepository) SavePatterns(ctx context.Context, patterns []*model.Pattern) error {
	if patterns == nil {
		patterns = []*model.Pattern{}
	}
	return r.save(ctx, PatternsKey, patterns)
}

func (r *storageRepository) GetPatterns(ctx context.Context) ([]*model.Pattern, error) {
	var patterns []*model.Pattern
	if _, err := r.load(ctx, PatternsKey, &patterns); err != nil {
		return nil, err
	}
	return patterns, nil
}

// SavePendingPatterns 保存尚未写入远程的模式。
func (r *storageRepository) SavePendingPatterns(ctx context.Context, patterns []*model.Pattern) error {
	if len(patterns) == 0 {
		return r.store.Remove(ctx, PendingPatternKey)
	}
	return r.save(ctx, PendingPatternKey, patterns)
}

func (r *storageRepository) GetPendingPatterns(ctx context.Context) ([]*model.Pattern, error) {
	var patterns []*model.Pattern
	if _, err := r.load(ctx, PendingPatternKey, &patterns); err != nil {
		return nil, err
	}
	return patterns, nil
}

func (r *storageRepository) SaveCompletionBackup(ctx context.Context, backup *model.CompletionBackup) error {
	return r.save(ctx, CompletionDataKey, backup)
}

// GetCompletionBackup 读取回答缓存备份，不存在时返回 nil。
func (r *storageRepository) GetCompletionBackup(ctx context.Context) (*model.CompletionBackup, error) {
	var backup model.CompletionBackup
	ok, err := r.load(ctx, CompletionDataKey, &backup)
	if err != nil || !ok {
		return nil, err
	}
	return &backup, nil
}

func (r *storageRepository) ClearCompletionBackup(ctx context.Context) error {
	return r.store.Remove(ctx, CompletionDataKey)
}

// SaveFailedRequest 记录一次失败的生成请求，最多保留 100 条。
func (r *storageRepository) SaveFailedRequest(ctx context.Context, req model.FailedRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var requests []model.FailedRequest
	if _, err := r.load(ctx, FailedRequestsKey, &requests); err != nil {
		return err
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = r.now()
	}
	requests = append(requests, req)
	if len(requests) > maxFailedRequests {
		requests = requests[len(requests)-maxFailedRequests:]
	}
	return r.save(ctx, FailedRequestsKey, requests)
}

func (r *storageRepository) GetFailedRequests(ctx context.Context) ([]model.FailedRequest, error) {
	var requests []model.FailedRequest
	if _, err := r.load(ctx, FailedRequestsKey, &requests); err != nil {
		return nil, err
	}
	return requests, nil
}

// SaveFeedback 追加一条反馈记录（最多 1000 条）并更新 feedback 统计。
func (r *storageRepository) SaveFeedback(ctx context.Context, record model.FeedbackRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var feedback []model.FeedbackRecord
	if _, err := r.load(ctx, FeedbackKey, &feedback); err != nil {
		return err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = r.now()
	}
	feedback = append(feedback, record)
	if len(feedback) > maxFeedbackRecords {
		feedback = feedback[len(feedback)-maxFeedbackRecords:]
	}
	if err := r.save(ctx, FeedbackKey, feedback); err != nil {
		return err
	}
	return r.updateAnalyticsLocked(ctx, analyticsTypeFeeback, record)
}

func (r *storageRepository) GetFeedback(ctx context.Context, conversationID string) ([]model.FeedbackRecord, error) {
	var feedback []model.FeedbackRecord
	if _, err := r.load(ctx, FeedbackKey, &feedback); err != nil {
		return nil, err
	}
	if conversationID == "" {
		return feedback, nil
	}
	filtered := make([]model.FeedbackRecord, 0, len(feedback))
	for _, f := range feedback {
		if f.ConversationID == conversationID {
			filtered = append(filtered, f)
		}
	}
	return filtered, nil
}

// UpdateAnalytics 为某一类事件计数：总数、按天计数（保留 30 天）以及明细（最多 1000 条）。
func (r *storageRepository) UpdateAnalytics(ctx context.Context, eventType string, detail interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateAnalyticsLocked(ctx, eventType, detail)
}

func (r *storageRepository) updateAnalyticsLocked(ctx context.Context, eventType string, detail interface{}) error {
	analytics := map[string]model.AnalyticsBucket{}
	if _, err := r.load(ctx, AnalyticsKey, &analytics); err != nil {
		return err
	}

	bucket := analytics[eventType]
	if bucket.Daily == nil {
		bucket.Daily = map[string]int64{}
	}
	now := r.now()
	bucket.Total++
	bucket.Daily[now.Format(analyticsDateLayout)]++

	if detail != nil {
		raw, err := json.Marshal(detail)
		if err == nil {
			bucket.Details = append(bucket.Details, raw)
		}
	}
	if len(bucket.Details) > maxAnalyticsDetails {
		bucket.Details = bucket.Details[len(bucket.Details)-maxAnalyticsDetails:]
	}

	cutoff := now.Add(-analyticsRetention).Format(analyticsDateLayout)
	for day := range bucket.Daily {
		// 日期格式为 YYYY-MM-DD，字符串比较即时间顺序
		if day < cutoff {
			delete(bucket.Daily, day)
		}
	}

	analytics[eventType] = bucket
	return r.save(ctx, AnalyticsKey, analytics)
}

func (r *storageRepository) GetAnalytics(ctx context.Context) (map[string]model.AnalyticsBucket, error) {
	analytics := map[string]model.AnalyticsBucket{}
	if _, err := r.load(ctx, AnalyticsKey, &analytics); err != nil {
		return nil, err
	}
	return analytics, nil
}

// GetSettings 获取用户设置，不存在时返回默认设置。
func (r *storageRepository) GetSettings(ctx context.Context) (*model.Settings, error) {
	settings := r.defaultSettings()
	if _, err := r.load(ctx, SettingsKey, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// UpdateSettings 在锁内读取、修改并写回设置。
func (r *storageRepository) UpdateSettings(ctx context.Context, mutate func(*model.Settings)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	settings := r.defaultSettings()
	if _, err := r.load(ctx, SettingsKey, settings); err != nil {
		return err
	}
	mutate(settings)
	settings.UpdatedAt = r.now()
	return r.save(ctx, SettingsKey, settings)
}

func (r *storageRepository) defaultSettings() *model.Settings {
	now := r.now()
	return &model.Settings{
		Sound:     true,
		Notify:    true,
		Theme:     "light",
		FontSize:  "medium",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Stats 统计每个键占用的字节数以及相对配额的使用率（百分比）。
func (r *storageRepository) Stats(ctx context.Context) (*model.StorageStats, error) {
	stats := &model.StorageStats{
		Sizes: make(map[string]int, len(allKeys)),
		Limit: r.quotaBytes,
	}
	for _, key := range allKeys {
		raw, _, err := r.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		stats.Sizes[key] = len(raw)
		stats.TotalSize += len(raw)
	}
	stats.Usage = float64(stats.TotalSize) / float64(stats.Limit) * 100
	return stats, nil
}

// Cleanup 在使用率超过 80% 时执行清理，返回是否做了清理。
func (r *storageRepository) Cleanup(ctx context.Context) (bool, error) {
	stats, err := r.Stats(ctx)
	if err != nil {
		return false, err
	}
	if stats.Usage <= cleanupUsagePercent {
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	var history []model.ChatHistoryRecord
	if _, err := r.load(ctx, ChatHistoryKey, &history); err != nil {
		return false, err
	}
	if len(history) > cleanupHistoryKeep {
		history = history[len(history)-cleanupHistoryKeep:]
	}
	if err := r.save(ctx, ChatHistoryKey, history); err != nil {
		return false, err
	}

	var patterns []*model.Pattern
	if _, err := r.load(ctx, PatternsKey, &patterns); err != nil {
		return false, err
	}
	good := make([]*model.Pattern, 0, len(patterns))
	for _, p := range patterns {
		if p.Score >= CleanupPatternFloor {
			good = append(good, p)
		}
	}
	if err := r.save(ctx, PatternsKey, good); err != nil {
		return false, err
	}

	var backup model.CompletionBackup
	ok, err := r.load(ctx, CompletionDataKey, &backup)
	if err != nil {
		return false, err
	}
	if ok {
		kept := backup.Cache[:0]
		for _, entry := range backup.Cache {
			if now.Sub(entry.CreatedAt) < cleanupCacheMaxAge {
				kept = append(kept, entry)
			}
		}
		backup.Cache = kept
		if err := r.save(ctx, CompletionDataKey, &backup); err != nil {
			return false, err
		}
	}

	var failed []model.FailedRequest
	if _, err := r.load(ctx, FailedRequestsKey, &failed); err != nil {
		return false, err
	}
	recent := failed[:0]
	for _, f := range failed {
		if now.Sub(f.Timestamp) < cleanupFailedMaxAge {
			recent = append(recent, f)
		}
	}
	if err := r.save(ctx, FailedRequestsKey, recent); err != nil {
		return false, err
	}
	return true, nil
}

// Import 用导出包覆盖本地存储中对应的数据。
func (r *storageRepository) Import(ctx context.Context, bundle *model.ExportBundle) error {
	if bundle == nil {
		return fmt.Errorf("no data provided for import")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if bundle.History != nil {
		if err := r.save(ctx, ChatHistoryKey, bundle.History); err != nil {
			return err
		}
	}
	if bundle.Patterns != nil {
		if err := r.save(ctx, PatternsKey, bundle.Patterns); err != nil {
			return err
		}
	}
	if bundle.Completion != nil {
		if err := r.save(ctx, CompletionDataKey, bundle.Completion); err != nil {
			return err
		}
	}
	if bundle.Settings != nil {
		if err := r.save(ctx, SettingsKey, bundle.Settings); err != nil {
			return err
		}
	}
	if bundle.Feedback != nil {
		if err := r.save(ctx, FeedbackKey, bundle.Feedback); err != nil {
			return err
		}
	}
	if bundle.Analytics != nil {
		if err := r.save(ctx, AnalyticsKey, bundle.Analytics); err != nil {
			return err
		}
	}
	return nil
}
