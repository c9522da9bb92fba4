package repository

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fmc-chatbot-go/internal/model"
)

func newTestStorage(maxHistory, quota int) (*storageRepository, Store) {
	store := NewMemoryStore()
	repo := NewStorageRepository(store, maxHistory, quota).(*storageRepository)
	return repo, store
}

func TestStorage_ChatHistoryCap(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestStorage(3, 0)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.SaveChatHistory(ctx, model.ChatHistoryRecord{
			ConversationID: "conv_a",
			Type:           model.HistoryKeyword,
			Response:       string(rune('a' + i)),
		}))
	}

	history, err := repo.GetChatHistory(ctx, "")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "c", history[0].Response)
	assert.Equal(t, "e", history[2].Response)
	assert.False(t, history[0].Timestamp.IsZero())

	analytics, err := repo.GetAnalytics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, analytics["keyword"].Total)
}

func TestStorage_ChatHistoryFilterByConversation(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestStorage(0, 0)

	require.NoError(t, repo.SaveChatHistory(ctx, model.ChatHistoryRecord{ConversationID: "conv_a", Type: model.HistoryClaude}))
	require.NoError(t, repo.SaveChatHistory(ctx, model.ChatHistoryRecord{ConversationID: "conv_b", Type: model.HistoryClaude}))
	require.NoError(t, repo.SaveChatHistory(ctx, model.ChatHistoryRecord{ConversationID: "conv_a", Type: model.HistoryError}))

	history, err := repo.GetChatHistory(ctx, "conv_a")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	require.NoError(t, repo.ClearChatHistory(ctx))
	history, err = repo.GetChatHistory(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStorage_FailedRequestsCappedAt100(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestStorage(0, 0)

	for i := 0; i < 120; i++ {
		require.NoError(t, repo.SaveFailedRequest(ctx, model.FailedRequest{Message: "m", Error: "boom"}))
	}
	failed, err := repo.GetFailedRequests(ctx)
	require.NoError(t, err)
	assert.Len(t, failed, 100)
}

func TestStorage_FeedbackAndAnalytics(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestStorage(0, 0)
	day := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return day }

	require.NoError(t, repo.SaveFeedback(ctx, model.FeedbackRecord{ConversationID: "conv_a", IsPositive: true}))
	require.NoError(t, repo.SaveFeedback(ctx, model.FeedbackRecord{ConversationID: "conv_b"}))

	all, err := repo.GetFeedback(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyA, err := repo.GetFeedback(ctx, "conv_a")
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	assert.True(t, onlyA[0].IsPositive)
	assert.Equal(t, day, onlyA[0].CreatedAt)

	analytics, err := repo.GetAnalytics(ctx)
	require.NoError(t, err)
	bucket := analytics["feedback"]
	assert.EqualValues(t, 2, bucket.Total)
	assert.EqualValues(t, 2, bucket.Daily["2024-05-10"])
	assert.Len(t, bucket.Details, 2)
}

func TestStorage_AnalyticsDropsOldDays(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestStorage(0, 0)

	current := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return current }
	require.NoError(t, repo.UpdateAnalytics(ctx, "keyword", nil))

	current = current.Add(40 * 24 * time.Hour)
	require.NoError(t, repo.UpdateAnalytics(ctx, "keyword", nil))

	analytics, err := repo.GetAnalytics(ctx)
	require.NoError(t, err)
	bucket := analytics["keyword"]
	assert.EqualValues(t, 2, bucket.Total)
	assert.NotContains(t, bucket.Daily, "2024-01-01")
	assert.Contains(t, bucket.Daily, "2024-02-10")
	assert.Empty(t, bucket.Details)
}

func TestStorage_SettingsDefaultsAndUpdate(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestStorage(0, 0)

	settings, err := repo.GetSettings(ctx)
	require.NoError(t, err)
	assert.True(t, settings.Sound)
	assert.Equal(t, "light", settings.Theme)

	start := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.UpdateSettings(ctx, func(s *model.Settings) {
		if s.ChatStates == nil {
			s.ChatStates = map[string]model.ChatState{}
		}
		s.ChatStates["web"] = model.ChatState{ConversationID: "conv_x", ConversationStartTime: start}
	}))

	settings, err = repo.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "conv_x", settings.ChatStates["web"].ConversationID)
	assert.True(t, settings.ChatStates["web"].ConversationStartTime.Equal(start))
}

func TestStorage_PendingPatterns(t *testing.T) {
	ctx := context.Background()
	repo, store := newTestStorage(0, 0)

	require.NoError(t, repo.SavePendingPatterns(ctx, []*model.Pattern{{Text: "gio lam viec", Responses: []string{"8h"}, Pending: true}}))
	pending, err := repo.GetPendingPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Pending)

	require.NoError(t, repo.SavePendingPatterns(ctx, nil))
	_, ok, err := store.Get(ctx, PendingPatternKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorage_CorruptValueReturnsError(t *testing.T) {
	ctx := context.Background()
	repo, store := newTestStorage(0, 0)

	require.NoError(t, store.Set(ctx, PatternsKey, "{not json"))
	_, err := repo.GetPatterns(ctx)
	assert.Error(t, err)
}

func TestStorage_StatsAndCleanup(t *testing.T) {
	ctx := context.Background()
	repo, store := newTestStorage(0, 2000)
	now := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	history := make([]model.ChatHistoryRecord, 0, 60)
	for i := 0; i < 60; i++ {
		history = append(history, model.ChatHistoryRecord{ConversationID: "conv_a", Type: model.HistoryKeyword, Response: strings.Repeat("x", 20)})
	}
	raw, err := json.Marshal(history)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, ChatHistoryKey, string(raw)))

	require.NoError(t, repo.SavePatterns(ctx, []*model.Pattern{
		{Text: "good", Responses: []string{"a"}, Score: 1},
		{Text: "bad", Responses: []string{"b"}, Score: 0.2},
	}))
	require.NoError(t, repo.SaveCompletionBackup(ctx, &model.CompletionBackup{
		Cache: []model.CachedCompletion{
			{Key: "fresh", CreatedAt: now.Add(-time.Hour)},
			{Key: "stale", CreatedAt: now.Add(-8 * 24 * time.Hour)},
		},
	}))
	require.NoError(t, repo.SaveFailedRequest(ctx, model.FailedRequest{Message: "old", Timestamp: now.Add(-48 * time.Hour)}))
	require.NoError(t, repo.SaveFailedRequest(ctx, model.FailedRequest{Message: "new", Timestamp: now.Add(-time.Hour)}))

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Greater(t, stats.Usage, 80.0)
	assert.Equal(t, 2000, stats.Limit)

	cleaned, err := repo.Cleanup(ctx)
	require.NoError(t, err)
	assert.True(t, cleaned)

	kept, err := repo.GetChatHistory(ctx, "")
	require.NoError(t, err)
	assert.Len(t, kept, 50)

	patterns, err := repo.GetPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "good", patterns[0].Text)

	backup, err := repo.GetCompletionBackup(ctx)
	require.NoError(t, err)
	require.Len(t, backup.Cache, 1)
	assert.Equal(t, "fresh", backup.Cache[0].Key)

	failed, err := repo.GetFailedRequests(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "new", failed[0].Message)
}

func TestStorage_CleanupSkippedBelowThreshold(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestStorage(0, 0)

	require.NoError(t, repo.SaveChatHistory(ctx, model.ChatHistoryRecord{ConversationID: "conv_a", Type: model.HistoryKeyword}))
	cleaned, err := repo.Cleanup(ctx)
	require.NoError(t, err)
	assert.False(t, cleaned)
}

func TestStorage_Import(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestStorage(0, 0)

	assert.Error(t, repo.Import(ctx, nil))

	bundle := &model.ExportBundle{
		History:  []model.ChatHistoryRecord{{ConversationID: "conv_a", Type: model.HistoryLearned, Response: "r"}},
		Patterns: []*model.Pattern{{Text: "dat lich", Responses: []string{"goi"}, Score: 1}},
		Feedback: []model.FeedbackRecord{{ConversationID: "conv_a", IsPositive: true}},
	}
	require.NoError(t, repo.Import(ctx, bundle))

	history, err := repo.GetChatHistory(ctx, "")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	patterns, err := repo.GetPatterns(ctx)
	require.NoError(t, err)
	assert.Len(t, patterns, 1)
	feedback, err := repo.GetFeedback(ctx, "")
	require.NoError(t, err)
	assert.Len(t, feedback, 1)
}
