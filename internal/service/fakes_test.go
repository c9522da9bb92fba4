package service

import (
	"context"
	"errors"
	"sync"

	"fmc-chatbot-go/internal/model"
	"fmc-chatbot-go/pkg/github"
	"fmc-chatbot-go/pkg/llm"
	"fmc-chatbot-go/pkg/tasks"
)

var errBackendDown = errors.New("backend unavailable")

// fakeBackend 是一个内存中的 issue 仓库。
type fakeBackend struct {
	mu       sync.Mutex
	issues   []*github.Issue
	comments map[int][]string
	next     int
	down     bool
	listErr  bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{comments: map[int][]string{}, next: 1}
}

func (f *fakeBackend) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeBackend) addIssue(body string, labels ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked("seed", body, labels)
}

func (f *fakeBackend) addLocked(title, body string, labels []string) int {
	issue := &github.Issue{Number: f.next, Title: title, Body: body, State: "open"}
	for _, l := range labels {
		issue.Labels = append(issue.Labels, github.Label{Name: l})
	}
	f.issues = append(f.issues, issue)
	f.next++
	return issue.Number
}

func (f *fakeBackend) issue(number int) *github.Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, is := range f.issues {
		if is.Number == number {
			c := *is
			return &c
		}
	}
	return nil
}

func (f *fakeBackend) labelNames(number int) []string {
	is := f.issue(number)
	if is == nil {
		return nil
	}
	names := make([]string, 0, len(is.Labels))
	for _, l := range is.Labels {
		names = append(names, l.Name)
	}
	return names
}

func (f *fakeBackend) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.issues)
}

func (f *fakeBackend) ListIssues(_ context.Context, label string) ([]github.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down || f.listErr {
		return nil, errBackendDown
	}
	var out []github.Issue
	for _, is := range f.issues {
		for _, l := range is.Labels {
			if l.Name == label {
				out = append(out, *is)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeBackend) CreateIssue(_ context.Context, title, body string, labels []string) (*github.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errBackendDown
	}
	n := f.addLocked(title, body, labels)
	return &github.Issue{Number: n, Title: title, Body: body}, nil
}

func (f *fakeBackend) UpdateIssue(_ context.Context, number int, update github.IssueUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errBackendDown
	}
	for _, is := range f.issues {
		if is.Number != number {
			continue
		}
		if update.Body != nil {
			is.Body = *update.Body
		}
		if update.Labels != nil {
			is.Labels = nil
			for _, l := range update.Labels {
				is.Labels = append(is.Labels, github.Label{Name: l})
			}
		}
		return nil
	}
	return errors.New("issue not found")
}

func (f *fakeBackend) CreateComment(_ context.Context, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errBackendDown
	}
	f.comments[number] = append(f.comments[number], body)
	return nil
}

// fakeProvider 按顺序返回预设的结果，并记录调用次数。
type fakeProvider struct {
	mu       sync.Mutex
	calls    int
	systems  []string
	messages [][]llm.Message
	results  []providerResult
	fallback providerResult
}

type providerResult struct {
	text string
	err  error
}

func (p *fakeProvider) Complete(_ context.Context, system string, messages []llm.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.systems = append(p.systems, system)
	p.messages = append(p.messages, messages)
	if len(p.results) > 0 {
		r := p.results[0]
		p.results = p.results[1:]
		return r.text, r.err
	}
	return p.fallback.text, p.fallback.err
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// syncQueue 同步地把任务交给处理器，便于断言学习结果。
type syncQueue struct {
	mu        sync.Mutex
	published []tasks.LearningTask
	processor LearningProcessor
}

func (q *syncQueue) Publish(ctx context.Context, task tasks.LearningTask) error {
	q.mu.Lock()
	q.published = append(q.published, task)
	processor := q.processor
	q.mu.Unlock()
	if processor != nil {
		return processor.ProcessLearningTask(ctx, task)
	}
	return nil
}

func (q *syncQueue) all() []tasks.LearningTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]tasks.LearningTask(nil), q.published...)
}

type fakeArchive struct {
	mu      sync.Mutex
	records []model.ChatHistoryRecord
}

func (a *fakeArchive) Archive(_ context.Context, record model.ChatHistoryRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, record)
	return nil
}

func (a *fakeArchive) Search(_ context.Context, query string, size int) ([]model.HistorySearchResult, error) {
	return nil, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	added   []model.ChatReply
	aiReady []model.ChatReply
}

func (n *fakeNotifier) MessageAdded(_ string, reply model.ChatReply) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.added = append(n.added, reply)
}

func (n *fakeNotifier) AIResponseReady(_ string, reply model.ChatReply) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.aiReady = append(n.aiReady, reply)
}
