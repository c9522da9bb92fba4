package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fmc-chatbot-go/internal/repository"
	"fmc-chatbot-go/pkg/tasks"
)

type recordingLearner struct {
	mu   sync.Mutex
	seen []tasks.LearningTask
	err  error
}

func (l *recordingLearner) ProcessLearningTask(_ context.Context, task tasks.LearningTask) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, task)
	return l.err
}

func (l *recordingLearner) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

func TestProcessor_RecordsAnalytics(t *testing.T) {
	ctx := context.Background()
	storage := repository.NewStorageRepository(repository.NewMemoryStore(), 100, 0)
	learner := &recordingLearner{}
	p := NewProcessor(learner, storage)

	err := p.ProcessLearningTask(ctx, tasks.LearningTask{ID: "t1", Kind: tasks.KindFeedback, Message: "giá khám", Response: "Vui lòng liên hệ", Helpful: true})
	require.NoError(t, err)
	assert.Equal(t, 1, learner.count())

	analytics, err := storage.GetAnalytics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, analytics["learning"].Total)
}

func TestProcessor_SkipsAndRejects(t *testing.T) {
	ctx := context.Background()
	learner := &recordingLearner{}
	p := NewProcessor(learner, nil)

	require.NoError(t, p.ProcessLearningTask(ctx, tasks.LearningTask{ID: "empty", Kind: tasks.KindFeedback}))
	assert.Error(t, p.ProcessLearningTask(ctx, tasks.LearningTask{ID: "bad", Kind: "other", Message: "a", Response: "b"}))
	assert.Equal(t, 0, learner.count())

	learner.err = errors.New("boom")
	err := p.ProcessLearningTask(ctx, tasks.LearningTask{ID: "fail", Kind: tasks.KindAIResponse, Message: "a", Response: "b"})
	assert.ErrorIs(t, err, learner.err)
}

func TestLocalQueue_ProcessesInOrderAndDrains(t *testing.T) {
	learner := &recordingLearner{}
	q := NewLocalQueue(learner, 10)
	ctx, cancel := context.WithCancel(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Publish(ctx, tasks.LearningTask{ID: id}))
	}
	q.Start(ctx)
	assert.Eventually(t, func() bool { return learner.count() == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	q.Wait()
	learner.mu.Lock()
	defer learner.mu.Unlock()
	assert.Equal(t, "a", learner.seen[0].ID)
	assert.Equal(t, "c", learner.seen[2].ID)
}

func TestLocalQueue_Full(t *testing.T) {
	q := NewLocalQueue(&recordingLearner{}, 1)
	require.NoError(t, q.Publish(context.Background(), tasks.LearningTask{ID: "a"}))
	assert.ErrorIs(t, q.Publish(context.Background(), tasks.LearningTask{ID: "b"}), ErrQueueFull)
}
