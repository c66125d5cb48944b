// Package logs builds the launcher's zap loggers: console and rotated file
// output for the main log and one file per tunnel for frpc output.
package logs

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/chmlfrp/frplauncher/internal/config"
)

// Log level constants
const (
	LogLevelTrace = "trace"
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// DefaultLogConfig returns default logging configuration
func DefaultLogConfig() *config.LogConfig {
	return &config.LogConfig{
		Level:         LogLevelInfo,
		EnableFile:    false,
		EnableConsole: true,
		Filename:      "main.log",
		MaxSize:       10, // 10MB
		MaxBackups:    5,  // 5 backup files
		MaxAge:        30, // 30 days
		Compress:      true,
		JSONFormat:    false,
	}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case LogLevelTrace, LogLevelDebug:
		return zap.DebugLevel
	case LogLevelWarn:
		return zap.WarnLevel
	case LogLevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// SetupLogger creates a logger with file and console outputs based on configuration
func SetupLogger(cfg *config.LogConfig) (*zap.Logger, error) {
	logger, _, err := Setup(cfg)
	return logger, err
}

// Setup is SetupLogger that also returns the sanitizer every entry passes
// through, so the caller can register the user token once it is known.
func Setup(cfg *config.LogConfig) (*zap.Logger, *SecretSanitizer, error) {
	if cfg == nil {
		cfg = DefaultLogConfig()
	}
	level := parseLevel(cfg.Level)

	var cores []zapcore.Core

	if cfg.EnableConsole {
		cores = append(cores, zapcore.NewCore(
			getConsoleEncoder(),
			zapcore.AddSync(os.Stderr),
			level,
		))
	}

	if cfg.EnableFile {
		fileCore, err := createFileCore(cfg, level)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create file core: %w", err)
		}
		cores = append(cores, fileCore)
	}

	if len(cores) == 0 {
		return nil, nil, fmt.Errorf("no log outputs configured")
	}

	sanitizer := NewSecretSanitizer(zapcore.NewTee(cores...))
	logger := zap.New(sanitizer, zap.AddCaller())
	return logger, sanitizer, nil
}

// SetupCommandLogger creates a logger for console commands: INFO for the
// server, WARN for client commands unless logLevel says otherwise
func SetupCommandLogger(serverCommand bool, logLevel string, logToFile bool, logDir string) (*zap.Logger, error) {
	level := LogLevelWarn
	if serverCommand {
		level = LogLevelInfo
	}
	if logLevel != "" {
		level = logLevel
	}

	cfg := DefaultLogConfig()
	cfg.Level = level
	cfg.EnableFile = logToFile
	cfg.LogDir = logDir
	return SetupLogger(cfg)
}

func createFileCore(cfg *config.LogConfig, level zapcore.Level) (zapcore.Core, error) {
	logFilePath, err := GetLogFilePathWithDir(cfg.LogDir, cfg.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to get log file path: %w", err)
	}

	lumberjackLogger := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	var encoder zapcore.Encoder
	if cfg.JSONFormat {
		encoder = getJSONEncoder()
	} else {
		encoder = getFileEncoder()
	}

	return zapcore.NewCore(encoder, zapcore.AddSync(lumberjackLogger), level), nil
}

func getConsoleEncoder() zapcore.Encoder {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func getFileEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	encoderConfig.ConsoleSeparator = " | "
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func getJSONEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}

// TunnelLogFilename is the file that keeps the frpc output of one tunnel.
func TunnelLogFilename(tunnelKey string) string {
	return fmt.Sprintf("tunnel-%s.log", tunnelKey)
}

// CreateTunnelLogger creates a file-only logger for the frpc output of one tunnel
func CreateTunnelLogger(cfg *config.LogConfig, tunnelKey string) (*zap.Logger, error) {
	if cfg == nil {
		cfg = DefaultLogConfig()
	}

	tunnelConfig := *cfg
	tunnelConfig.Filename = TunnelLogFilename(tunnelKey)
	tunnelConfig.EnableConsole = false

	fileCore, err := createFileCore(&tunnelConfig, parseLevel(tunnelConfig.Level))
	if err != nil {
		return nil, fmt.Errorf("failed to create file core for tunnel %s: %w", tunnelKey, err)
	}

	return zap.New(fileCore).With(zap.String("tunnel", tunnelKey)), nil
}

// TunnelLoggers hands out one cached logger per tunnel.
type TunnelLoggers struct {
	cfg      *config.LogConfig
	fallback *zap.Logger

	mu      sync.Mutex
	loggers map[string]*zap.Logger
}

// NewTunnelLoggers creates a per-tunnel logger cache. Tunnels whose file
// cannot be opened log to fallback instead.
func NewTunnelLoggers(cfg *config.LogConfig, fallback *zap.Logger) *TunnelLoggers {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return &TunnelLoggers{cfg: cfg, fallback: fallback, loggers: make(map[string]*zap.Logger)}
}

// Get returns the logger of tunnelKey, creating it on first use.
func (t *TunnelLoggers) Get(tunnelKey string) *zap.Logger {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.loggers[tunnelKey]; ok {
		return l
	}
	l, err := CreateTunnelLogger(t.cfg, tunnelKey)
	if err != nil {
		t.fallback.Warn("Failed to create tunnel logger", zap.String("tunnel", tunnelKey), zap.Error(err))
		l = t.fallback.With(zap.String("tunnel", tunnelKey))
	}
	t.loggers[tunnelKey] = l
	return l
}

// Sync flushes every tunnel logger.
func (t *TunnelLoggers) Sync() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range t.loggers {
		_ = l.Sync()
	}
}

// ReadTunnelLogTail reads the last N lines from a tunnel log file
func ReadTunnelLogTail(cfg *config.LogConfig, tunnelKey string, lines int) ([]string, error) {
	if cfg == nil {
		cfg = DefaultLogConfig()
	}
	if lines <= 0 {
		lines = 50
	}
	if lines > 500 {
		lines = 500
	}

	logFilePath, err := GetLogFilePathWithDir(cfg.LogDir, TunnelLogFilename(tunnelKey))
	if err != nil {
		return nil, fmt.Errorf("failed to get log file path for tunnel %s: %w", tunnelKey, err)
	}

	file, err := os.Open(logFilePath)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open log file for tunnel %s: %w", tunnelKey, err)
	}
	defer file.Close()

	// Ring of the last N lines.
	tail := make([]string, 0, lines)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(tail) == lines {
			tail = tail[1:]
		}
		tail = append(tail, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file for tunnel %s: %w", tunnelKey, err)
	}
	return tail, nil
}
