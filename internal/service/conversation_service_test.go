package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fmc-chatbot-go/internal/model"
)

func newTestConversationService(clock *testClock) (*conversationService, func() *model.Settings) {
	storage := newMemoryStorage()
	svc := NewConversationService(storage, 30*time.Minute).(*conversationService)
	svc.now = clock.now
	settings := func() *model.Settings {
		s, err := storage.GetSettings(context.Background())
		if err != nil {
			panic(err)
		}
		return s
	}
	return svc, settings
}

func TestConversationService_SerializesPerSession(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestConversationService(&testClock{t: testNow})

	var (
		mu        sync.Mutex
		order     []string
		convIDs   []string
		active    int
		maxActive int
	)
	track := func(name string, wait <-chan struct{}) func(string) {
		return func(conversationID string) {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			order = append(order, name)
			convIDs = append(convIDs, conversationID)
			mu.Unlock()
			if wait != nil {
				<-wait
			}
			mu.Lock()
			active--
			mu.Unlock()
		}
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, svc.Submit(ctx, "s1", "first", func(id string) {
			close(started)
			track("first", release)(id)
		}))
	}()
	<-started
	go func() {
		defer wg.Done()
		assert.NoError(t, svc.Submit(ctx, "s1", "second", track("second", nil)))
	}()
	require.Eventually(t, func() bool { return svc.Info("s1").PendingMessages == 2 }, time.Second, time.Millisecond)

	// 其他会话端不受阻塞
	require.NoError(t, svc.Submit(ctx, "s2", "other", func(string) {}))

	close(release)
	wg.Wait()

	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, 1, maxActive)
	require.Len(t, convIDs, 2)
	assert.Equal(t, convIDs[0], convIDs[1])
	assert.False(t, svc.Info("s1").Processing)
}

func TestConversationService_CanceledSubmitStillRuns(t *testing.T) {
	svc, _ := newTestConversationService(&testClock{t: testNow})
	release := make(chan struct{})
	ran := make(chan struct{})

	go func() {
		_ = svc.Submit(context.Background(), "s1", "first", func(string) { <-release })
	}()
	require.Eventually(t, func() bool { return svc.Info("s1").Processing }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := svc.Submit(ctx, "s1", "second", func(string) { close(ran) })
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("queued message was dropped")
	}
}

func TestConversationService_Timeout(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: testNow}
	svc, settings := newTestConversationService(clock)

	first := svc.ConversationID(ctx, "s1")
	assert.True(t, strings.HasPrefix(first, "conv_"))

	clock.advance(30 * time.Minute)
	assert.Equal(t, first, svc.ConversationID(ctx, "s1"))

	clock.advance(time.Minute)
	second := svc.ConversationID(ctx, "s1")
	assert.NotEqual(t, first, second)
	assert.Equal(t, second, settings().ChatStates["s1"].ConversationID)

	svc.Reset(ctx, "s1")
	assert.NotEqual(t, second, svc.ConversationID(ctx, "s1"))
}

func TestConversationService_Restore(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: testNow}
	svc, settings := newTestConversationService(clock)

	err := svc.storage.UpdateSettings(ctx, func(s *model.Settings) {
		s.ChatStates = map[string]model.ChatState{
			"fresh": {ConversationID: "conv_fresh", ConversationStartTime: testNow.Add(-10 * time.Minute), MessageQueue: []string{"giờ làm việc"}},
			"stale": {ConversationID: "conv_stale", ConversationStartTime: testNow.Add(-40 * time.Minute)},
		}
	})
	require.NoError(t, err)

	pending, err := svc.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"fresh": {"giờ làm việc"}}, pending)
	assert.Equal(t, "conv_fresh", svc.ConversationID(ctx, "fresh"))

	states := settings().ChatStates
	assert.Contains(t, states, "fresh")
	assert.NotContains(t, states, "stale")
	require.Len(t, svc.Sessions(), 1)
}
