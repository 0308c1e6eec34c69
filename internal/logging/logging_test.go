package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFieldsReachTheCore(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Replace(zap.New(core))
	defer Replace(nil)

	Warn("query evicted", String("cache", "pools"), Int("kept", 1), Err(errors.New("boom")))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "query evicted", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "pools", fields["cache"])
	assert.EqualValues(t, 1, fields["kept"])
	assert.Equal(t, "boom", fields["error"])
}

func TestInitLevels(t *testing.T) {
	defer Replace(nil)
	defer SetLevel("info")

	require.NoError(t, Init(Config{Level: "debug", Format: "console", OutputPath: "stderr"}))
	assert.True(t, L().Core().Enabled(zapcore.DebugLevel))

	SetLevel("error")
	assert.False(t, L().Core().Enabled(zapcore.WarnLevel))
	SetLevel("bogus")
	assert.False(t, L().Core().Enabled(zapcore.WarnLevel))
}

func TestInitRejectsBadSettings(t *testing.T) {
	defer Replace(nil)
	assert.Error(t, Init(Config{Level: "loud"}))
	assert.Error(t, Init(Config{Format: "xml"}))
}

func TestDefaultLoggerBuiltOnDemand(t *testing.T) {
	Replace(nil)
	l := L()
	require.NotNil(t, l)
	assert.Same(t, l, L())
	Replace(nil)
}
