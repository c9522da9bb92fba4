// Package github 封装了远程模式库使用的 GitHub Issues 接口。
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fmc-chatbot-go/internal/config"
)

// ErrMissingToken 表示没有配置访问令牌，属于不可恢复的配置错误。
var ErrMissingToken = errors.New("github token is required")

const pageSize = 100

// Label 是 issue 上的一个标签。
type Label struct {
	Name string `json:"name"`
}

// Issue 是远程模式库中的一条记录。
type Issue struct {
	Number int     `json:"number"`
	Title  string  `json:"title"`
	Body   string  `json:"body"`
	State  string  `json:"state"`
	Labels []Label `json:"labels"`
}

// IssueUpdate 描述一次 PATCH；为 nil 的字段不会发送。
type IssueUpdate struct {
	Body   *string  `json:"body,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

// Client 定义了模式库需要的 issue 操作。
type Client interface {
	// ListIssues 列出带有指定标签的全部 open issue。
	ListIssues(ctx context.Context, label string) ([]Issue, error)
	CreateIssue(ctx context.Context, title, body string, labels []string) (*Issue, error)
	UpdateIssue(ctx context.Context, number int, update IssueUpdate) error
	CreateComment(ctx context.Context, number int, body string) error
}

type client struct {
	cfg        config.GitHubConfig
	httpClient *http.Client
}

// NewClient 创建一个新的 GitHub 客户端。令牌为空时返回 ErrMissingToken。
func NewClient(cfg config.GitHubConfig, timeout time.Duration) (Client, error) {
	if cfg.Token == "" {
		return nil, ErrMissingToken
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.github.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &client{cfg: cfg, httpClient: &http.Client{Timeout: timeout}}, nil
}

func (c *client) issuesURL() string {
	return fmt.Sprintf("%s/repos/%s/%s/issues", c.cfg.BaseURL, c.cfg.Owner, c.cfg.Repo)
}

func (c *client) ListIssues(ctx context.Context, label string) ([]Issue, error) {
	var all []Issue
	for page := 1; ; page++ {
		url := fmt.Sprintf("%s?state=open&labels=%s&per_page=%d&page=%d", c.issuesURL(), label, pageSize, page)
		var batch []Issue
		if err := c.do(ctx, http.MethodGet, url, nil, &batch); err != nil {
			return nil, fmt.Errorf("failed to list issues: %w", err)
		}
		all = append(all, batch...)
		if len(batch) < pageSize {
			return all, nil
		}
	}
}

func (c *client) CreateIssue(ctx context.Context, title, body string, labels []string) (*Issue, error) {
	payload := map[string]interface{}{
		"title":  title,
		"body":   body,
		"labels": labels,
	}
	var issue Issue
	if err := c.do(ctx, http.MethodPost, c.issuesURL(), payload, &issue); err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}
	return &issue, nil
}

func (c *client) UpdateIssue(ctx context.Context, number int, update IssueUpdate) error {
	url := fmt.Sprintf("%s/%d", c.issuesURL(), number)
	if err := c.do(ctx, http.MethodPatch, url, update, nil); err != nil {
		return fmt.Errorf("failed to update issue #%d: %w", number, err)
	}
	return nil
}

func (c *client) CreateComment(ctx context.Context, number int, body string) error {
	url := fmt.Sprintf("%s/%d/comments", c.issuesURL(), number)
	if err := c.do(ctx, http.MethodPost, url, map[string]string{"body": body}, nil); err != nil {
		return fmt.Errorf("failed to comment on issue #%d: %w", number, err)
	}
	return nil
}

func (c *client) do(ctx context.Context, method, url string, payload, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("github api returned status %s, body: %s", resp.Status, string(bodyBytes))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
