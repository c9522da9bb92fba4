package log

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T, level zapcore.Level) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(level)
	Use(zap.New(core))
	t.Cleanup(func() { Use(zap.NewNop()) })
	return logs
}

func TestError_AttachesErrorField(t *testing.T) {
	logs := observe(t, zapcore.DebugLevel)

	Error("同步模式库失败", errors.New("github: 502"))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "同步模式库失败", entries[0].Message)
	assert.Equal(t, "github: 502", entries[0].ContextMap()["error"])
}

func TestWith_KeepsFields(t *testing.T) {
	logs := observe(t, zapcore.InfoLevel)

	With("sessionID", "tab-1").Infof("连接已建立")
	Debugf("不会被记录")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "tab-1", entries[0].ContextMap()["sessionID"])
}

func TestInit_UnknownLevelFallsBackToInfo(t *testing.T) {
	t.Cleanup(func() { Use(zap.NewNop()) })
	Init("verbose", "json", "")

	assert.False(t, sugar.Desugar().Core().Enabled(zapcore.DebugLevel))
	assert.True(t, sugar.Desugar().Core().Enabled(zapcore.InfoLevel))
}
