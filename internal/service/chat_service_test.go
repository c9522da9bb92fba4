package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fmc-chatbot-go/internal/config"
	"fmc-chatbot-go/internal/model"
	"fmc-chatbot-go/internal/repository"
)

type chatFixture struct {
	svc      *chatService
	backend  *fakeBackend
	provider *fakeProvider
	patterns *patternService
	storage  repository.StorageRepository
	queue    *syncQueue
	archive  *fakeArchive
	notifier *fakeNotifier
	exported map[string]interface{}
}

type fakeExporter struct{ objects map[string]interface{} }

func (e *fakeExporter) UploadJSON(_ context.Context, objectName string, v interface{}) (string, error) {
	e.objects[objectName] = v
	return "https://minio.local/" + objectName, nil
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	clinic := config.DefaultClinic()
	matching := config.DefaultMatching()
	clock := &testClock{t: testNow}

	backend := newFakeBackend()
	patterns, storage := newTestPatternService(backend)
	queue := &syncQueue{processor: patterns}
	provider := &fakeProvider{}
	completion := newTestCompletionService(provider, storage, queue, testCompletionConfig(), clock)
	conversations := NewConversationService(storage, 30*time.Minute).(*conversationService)
	conversations.now = clock.now

	archive := &fakeArchive{}
	notifier := &fakeNotifier{}
	exporter := &fakeExporter{objects: map[string]interface{}{}}
	svc := NewChatService(
		NewIntentService(ClinicIntents(clinic), matching),
		patterns,
		completion,
		conversations,
		storage,
		clinic,
		matching,
		WithLearningQueue(queue),
		WithHistoryArchiver(archive),
		WithNotifier(notifier),
		WithObjectExporter(exporter),
	).(*chatService)
	svc.now = clock.now
	svc.pick = func(int) int { return 0 }

	return &chatFixture{
		svc:      svc,
		backend:  backend,
		provider: provider,
		patterns: patterns,
		storage:  storage,
		queue:    queue,
		archive:  archive,
		notifier: notifier,
		exported: exporter.objects,
	}
}

func (f *chatFixture) history(t *testing.T, conversationID string) []model.ChatHistoryRecord {
	t.Helper()
	records, err := f.storage.GetChatHistory(context.Background(), conversationID)
	require.NoError(t, err)
	return records
}

func TestChatService_KeywordAnswer(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)

	reply, err := f.svc.SendMessage(ctx, "s1", "địa chỉ phòng khám ở đâu")
	require.NoError(t, err)
	assert.Equal(t, model.HistoryKeyword, reply.Type)
	assert.Contains(t, reply.Response, config.DefaultClinic().Address)
	assert.Equal(t, 0, f.provider.callCount())

	records := f.history(t, reply.ConversationID)
	require.Len(t, records, 1)
	assert.Equal(t, model.HistoryKeyword, records[0].Type)
	assert.Equal(t, reply.MessageID, records[0].MessageID)
	assert.Len(t, f.archive.records, 1)
	assert.Len(t, f.notifier.added, 1)

	// 关键词回答被当作正例学习
	require.Len(t, f.queue.all(), 1)
	assert.Equal(t, 1, f.backend.count())
	learned := f.patterns.FindBestMatch("địa chỉ phòng khám ở đâu")
	require.NotNil(t, learned)
	assert.Equal(t, model.SourceKeyword, learned.Source)
}

func TestChatService_LearnedAnswer(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)
	_, err := f.patterns.CreatePattern(ctx, "có bãi giữ xe máy không", "Phòng khám có bãi giữ xe miễn phí.")
	require.NoError(t, err)

	reply, err := f.svc.SendMessage(ctx, "s1", "Có bãi giữ xe máy không?")
	require.NoError(t, err)
	assert.Equal(t, model.HistoryLearned, reply.Type)
	assert.Equal(t, "Phòng khám có bãi giữ xe miễn phí.", reply.Response)
	assert.Equal(t, 0, f.provider.callCount())

	records := f.history(t, reply.ConversationID)
	require.Len(t, records, 1)
	assert.Equal(t, 1.0, records[0].Score)
}

func TestChatService_CompletionAnswer(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)
	f.provider.fallback = providerResult{text: "Hôm nay trời nắng."}

	reply, err := f.svc.SendMessage(ctx, "s1", "What is the weather like?")
	require.NoError(t, err)
	assert.Equal(t, model.HistoryClaude, reply.Type)
	assert.Equal(t, "Hôm nay trời nắng.", reply.Response)

	records := f.history(t, reply.ConversationID)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Analysis)
	assert.False(t, records[0].Analysis.IsDomainQuestion)
	// 领域外的回答不学习
	assert.Empty(t, f.queue.all())
}

func TestChatService_ProviderFailureFallsBackToApology(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)
	f.provider.fallback = providerResult{err: errors.New("connection refused")}

	reply, err := f.svc.SendMessage(ctx, "s1", "What is the weather like?")
	require.NoError(t, err)
	assert.Equal(t, model.HistoryError, reply.Type)
	assert.Equal(t, config.DefaultClinic().Messages.General, reply.Response)
	assert.Equal(t, 4, f.provider.callCount())

	records := f.history(t, reply.ConversationID)
	require.Len(t, records, 1)
	assert.Equal(t, model.HistoryError, records[0].Type)
	assert.NotEmpty(t, records[0].Error)
	assert.NotContains(t, reply.Response, "connection refused")
}

func TestChatService_EmptyMessage(t *testing.T) {
	f := newChatFixture(t)
	_, err := f.svc.SendMessage(context.Background(), "s1", "  <b></b> ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestChatService_NegativeFeedbackWithAIRetry(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)
	const question = "địa chỉ phòng khám ở đâu"

	first, err := f.svc.SendMessage(ctx, "s1", question)
	require.NoError(t, err)
	original := f.patterns.FindBestMatch(question)
	require.NotNil(t, original)
	originalID := original.RecordID

	f.provider.fallback = providerResult{text: "Phòng khám nằm tại Saigon Villas Hill, Thủ Đức."}
	reply, err := f.svc.HandleFeedback(ctx, "s1", model.FeedbackRequest{
		MessageID:  first.MessageID,
		Message:    question,
		Response:   first.Response,
		IsPositive: false,
		UseAI:      true,
	})
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, model.HistoryClaude, reply.Type)
	assert.Equal(t, "Phòng khám nằm tại Saigon Villas Hill, Thủ Đức.", reply.Response)
	assert.Equal(t, first.MessageID, reply.PreviousMessageID)
	assert.Len(t, f.notifier.aiReady, 1)

	// 原模式被标记为待改进
	stored, err := decodePayload(f.backend.issue(originalID).Body, testNow)
	require.NoError(t, err)
	assert.True(t, stored.NeedsImprovement)
	assert.Contains(t, f.backend.labelNames(originalID), model.LabelNeedsImprovement)
	for _, comment := range f.backend.comments[originalID] {
		assert.NotContains(t, comment, "👍")
	}

	// 新的 AI 模式分数为 2，并覆盖了同文本的旧模式
	best := f.patterns.FindBestMatch(question)
	require.NotNil(t, best)
	assert.Equal(t, model.SourceAI, best.Source)
	assert.Equal(t, 2.0, best.Score)
	assert.Equal(t, []string{"Phòng khám nằm tại Saigon Villas Hill, Thủ Đức."}, best.Responses)

	records := f.history(t, reply.ConversationID)
	require.Len(t, records, 2)
	assert.True(t, records[1].IsAIRetry)
	assert.Equal(t, first.MessageID, records[1].PreviousMessageID)

	feedback, err := f.storage.GetFeedback(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, feedback)
}

func TestChatService_AIRetryFailure(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)
	f.provider.fallback = providerResult{err: errors.New("503")}

	reply, err := f.svc.HandleFeedback(ctx, "s1", model.FeedbackRequest{
		MessageID: "msg_1", Message: "giá khám bao nhiêu", Response: "...", UseAI: true,
	})
	require.NoError(t, err)
	assert.Equal(t, model.HistoryError, reply.Type)
	assert.Equal(t, config.DefaultClinic().Messages.AIUnavailable, reply.Response)
	assert.Equal(t, 0, f.backend.count())
}

func TestChatService_PlainFeedbackAdjustsScore(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)
	const question = "địa chỉ phòng khám ở đâu"

	first, err := f.svc.SendMessage(ctx, "s1", question)
	require.NoError(t, err)
	recordID := f.patterns.FindBestMatch(question).RecordID

	reply, err := f.svc.HandleFeedback(ctx, "s1", model.FeedbackRequest{
		MessageID: first.MessageID, Message: question, Response: first.Response, IsPositive: true,
	})
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Equal(t, 1.5, f.patterns.FindBestMatch(question).Score)
	assert.Len(t, f.backend.comments[recordID], 1)

	_, err = f.svc.HandleFeedback(ctx, "s1", model.FeedbackRequest{
		MessageID: first.MessageID, Message: question, Response: first.Response, IsPositive: false,
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, f.patterns.FindBestMatch(question).Score)
	assert.Equal(t, 0, f.provider.callCount())

	feedback, err := f.storage.GetFeedback(ctx, first.ConversationID)
	require.NoError(t, err)
	require.Len(t, feedback, 2)
	assert.True(t, feedback[0].IsPositive)
	assert.False(t, feedback[1].IsPositive)
}

func TestChatService_FeedbackValidation(t *testing.T) {
	f := newChatFixture(t)
	_, err := f.svc.HandleFeedback(context.Background(), "s1", model.FeedbackRequest{Message: "", Response: "x"})
	assert.ErrorIs(t, err, ErrInvalidFeedback)
	assert.NotErrorIs(t, err, ErrInvalidPayload)

	_, err = f.svc.HandleFeedback(context.Background(), "s1", model.FeedbackRequest{Message: "giờ làm việc", Response: ""})
	assert.ErrorIs(t, err, ErrInvalidFeedback)
}

func TestChatService_ExportImportAndDebug(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)
	reply, err := f.svc.SendMessage(ctx, "s1", "giờ làm việc")
	require.NoError(t, err)

	bundle, err := f.svc.Export(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, bundle.History, 1)
	assert.Len(t, bundle.Patterns, 1)
	assert.Equal(t, reply.ConversationID, bundle.ConversationID)

	url, err := f.svc.ExportToObjectStore(ctx, "s1")
	require.NoError(t, err)
	assert.Contains(t, url, "exports/fmc-chatbot-data-")
	assert.Len(t, f.exported, 1)

	info, err := f.svc.DebugInfo(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, reply.ConversationID, info.Conversation.ConversationID)
	assert.Equal(t, 1, info.HistorySize)
	assert.Equal(t, 1, info.Patterns.Total)

	require.NoError(t, f.svc.ClearHistory(ctx, "s1"))
	assert.Empty(t, f.history(t, ""))
	assert.NotEqual(t, reply.ConversationID, f.svc.conversations.Info("s1").ConversationID)

	require.NoError(t, f.svc.Import(ctx, bundle))
	assert.Len(t, f.history(t, ""), 1)
	assert.ErrorIs(t, f.svc.Import(ctx, nil), ErrInvalidPayload)
}

func TestChatService_CleanupPrunesLowScorePatterns(t *testing.T) {
	ctx := context.Background()
	f := newChatFixture(t)
	storage := repository.NewStorageRepository(repository.NewMemoryStore(), 100, 2000)
	patterns := NewPatternService(f.backend, storage, config.DefaultMatching()).(*patternService)
	patterns.now = func() time.Time { return testNow }
	f.svc.patterns = patterns
	f.svc.storage = storage

	f.backend.addIssue(payload(t, map[string]interface{}{"pattern": "gio lam viec", "responses": []string{"8h"}, "score": 1}), "pattern", "low-score")
	f.backend.addIssue(payload(t, map[string]interface{}{"pattern": "bai giu xe", "responses": []string{"Có"}, "score": 0.2}), "pattern", "low-score")
	require.NoError(t, patterns.Sync(ctx))
	require.Len(t, patterns.All(), 2)

	for i := 0; i < 20; i++ {
		require.NoError(t, storage.SaveChatHistory(ctx, model.ChatHistoryRecord{
			ConversationID: "conv_a", Type: model.HistoryKeyword, Response: strings.Repeat("x", 100),
		}))
	}
	require.NoError(t, f.svc.Cleanup(ctx))

	all := patterns.All()
	require.Len(t, all, 1)
	assert.Equal(t, "gio lam viec", all[0].Text)

	backup, err := storage.GetPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, backup, 1)
	assert.Equal(t, "gio lam viec", backup[0].Text)
}
