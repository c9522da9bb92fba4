package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fmc-chatbot-go/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(config.GitHubConfig{Token: "secret", Owner: "fmc", Repo: "patterns", BaseURL: srv.URL + "/"}, 0)
	require.NoError(t, err)
	return c
}

func TestNewClient_MissingToken(t *testing.T) {
	_, err := NewClient(config.GitHubConfig{Owner: "fmc", Repo: "patterns"}, 0)
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestListIssues_Paginates(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/fmc/patterns/issues", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "open", r.URL.Query().Get("state"))
		assert.Equal(t, "pattern", r.URL.Query().Get("labels"))

		count := 0
		if r.URL.Query().Get("page") == "1" {
			count = pageSize
		} else if r.URL.Query().Get("page") == "2" {
			count = 3
		}
		issues := make([]Issue, count)
		for i := range issues {
			issues[i] = Issue{Number: i + 1, Body: fmt.Sprintf(`{"pattern":"p%d"}`, i)}
		}
		_ = json.NewEncoder(w).Encode(issues)
	})

	issues, err := c.ListIssues(context.Background(), "pattern")
	require.NoError(t, err)
	assert.Len(t, issues, pageSize+3)
}

func TestCreateIssue(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var payload struct {
			Title  string   `json:"title"`
			Body   string   `json:"body"`
			Labels []string `json:"labels"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "[Pattern] gio lam viec...", payload.Title)
		assert.Equal(t, []string{"pattern", "low-score"}, payload.Labels)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Issue{Number: 42, Title: payload.Title, Body: payload.Body})
	})

	issue, err := c.CreateIssue(context.Background(), "[Pattern] gio lam viec...", "{}", []string{"pattern", "low-score"})
	require.NoError(t, err)
	assert.Equal(t, 42, issue.Number)
}

func TestUpdateIssue_OmitsNilBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/repos/fmc/patterns/issues/7", r.URL.Path)
		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.NotContains(t, payload, "body")
		assert.Contains(t, payload, "labels")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})

	err := c.UpdateIssue(context.Background(), 7, IssueUpdate{Labels: []string{"pattern", "high-score"}})
	require.NoError(t, err)
}

func TestCreateComment_ErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/fmc/patterns/issues/3/comments", r.URL.Path)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"rate limited"}`))
	})

	err := c.CreateComment(context.Background(), 3, "Feedback: 👍")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
