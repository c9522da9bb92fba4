package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9000"
completion:
  rate_limit_per_minute: 10
  retry_initial_interval: 500ms
chat:
  conversation_timeout: 15m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "release", cfg.Server.Mode)
	assert.Equal(t, 10, cfg.Completion.RateLimitPerMinute)
	assert.Equal(t, 500*time.Millisecond, cfg.Completion.RetryInitialInterval)
	assert.Equal(t, 24*time.Hour, cfg.Completion.CacheTTL)
	assert.Equal(t, 15*time.Minute, cfg.Chat.ConversationTimeout)
	assert.Equal(t, "@every 30m", cfg.Chat.MaintenanceSchedule)
	assert.Equal(t, DefaultMatching(), cfg.Matching)
	assert.Len(t, cfg.Clinic.Departments, 3)
}

func TestLoad_EnvOverridesFileValues(t *testing.T) {
	path := writeConfig(t, `
github:
  token: ""
  owner: "fmcclinic"
`)
	t.Setenv("FMC_GITHUB_TOKEN", "ghp_test")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ghp_test", cfg.GitHub.Token)
	assert.Equal(t, "fmc-chatbot-learning", cfg.GitHub.Repo)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefault_MatchesDocumentedConstants(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 50, cfg.Completion.RateLimitPerMinute)
	assert.Equal(t, 3, cfg.Completion.MaxRetries)
	assert.Equal(t, time.Second, cfg.Completion.RetryInitialInterval)
	assert.Equal(t, 1000, cfg.Completion.MaxCacheSize)
	assert.Equal(t, 10, cfg.Completion.MaxContextTurns)
	assert.Equal(t, 30*time.Minute, cfg.Chat.ConversationTimeout)
	assert.Equal(t, 0.7, cfg.Matching.SimilarityThreshold)
	assert.Equal(t, 2.0, cfg.Matching.AIPatternScore)
}
