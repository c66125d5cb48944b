package logs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/chmlfrp/frplauncher/internal/config"
)

func TestSetupLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultLogConfig()
	cfg.EnableConsole = false
	cfg.EnableFile = true
	cfg.LogDir = dir

	logger, sanitizer, err := Setup(cfg)
	require.NoError(t, err)
	sanitizer.RegisterResolvedSecret("usertoken1234567")

	logger.Info("starting frpc", zap.String("token", "usertoken1234567"))
	logger.Debug("hidden at info level")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "main.log"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "starting frpc")
	assert.Contains(t, content, "use***67")
	assert.NotContains(t, content, "usertoken1234567")
	assert.NotContains(t, content, "hidden at info level")
}

func TestSetupLoggerWithoutOutputs(t *testing.T) {
	cfg := DefaultLogConfig()
	cfg.EnableConsole = false
	_, err := SetupLogger(cfg)
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, parseLevel("trace"))
	assert.Equal(t, zap.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zap.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zap.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zap.InfoLevel, parseLevel("bogus"))
}

func TestSanitizerPatterns(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(NewSecretSanitizer(core))

	logger.Info("request", zap.String("auth", "Bearer abcdefghijkl"))
	logger.Info("exec frpc -u abcdefghijkl -p 7")
	logger.Info(`login response {"usertoken": "abcdefghijkl"}`)
	logger.Info("exec frpc -u ***TOKEN*** -p 7")
	logger.Info("failed", zap.Error(errors.New("frpc -u abcdefghijkl exited")))

	entries := logs.All()
	require.Len(t, entries, 5)
	assert.Equal(t, "Bearer abcd***kl", entries[0].ContextMap()["auth"])
	assert.Equal(t, "exec frpc -u abc***kl -p 7", entries[1].Message)
	assert.Equal(t, `login response {"usertoken": "abc***kl"}`, entries[2].Message)
	assert.Equal(t, "exec frpc -u ***TOKEN*** -p 7", entries[3].Message)
	assert.Equal(t, "frpc -u abc***kl exited", entries[4].ContextMap()["error"])
}

func TestSanitizerWithSharesSecrets(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := NewSecretSanitizer(core)
	child := zap.New(s).With(zap.String("tunnel", "api_1"))

	s.RegisterResolvedSecret("supersecretvalue")
	child.Info("token supersecretvalue")
	s.UnregisterResolvedSecret("supersecretvalue")
	child.Info("token supersecretvalue")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "token sup***ue", entries[0].Message)
	assert.Equal(t, "token supersecretvalue", entries[1].Message)
}

func TestTunnelLoggers(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.LogConfig{Level: "info", LogDir: dir, MaxSize: 1}
	loggers := NewTunnelLoggers(cfg, zap.NewNop())

	l := loggers.Get("api_7")
	assert.Same(t, l, loggers.Get("api_7"))

	for i := 0; i < 60; i++ {
		l.Info(fmt.Sprintf("line %d", i))
	}
	loggers.Sync()

	tail, err := ReadTunnelLogTail(cfg, "api_7", 3)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	assert.True(t, strings.Contains(tail[2], "line 59"), tail[2])
	assert.True(t, strings.Contains(tail[0], "line 57"), tail[0])

	missing, err := ReadTunnelLogTail(cfg, "api_8", 10)
	require.NoError(t, err)
	assert.Empty(t, missing)
}
