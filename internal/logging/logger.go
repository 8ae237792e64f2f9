// Package logging provides unified logging infrastructure for ProjectShelf
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFileName is the file written inside the directory passed to Initialize.
const LogFileName = "projectshelf.log"

var (
	mu     sync.RWMutex
	global *zap.SugaredLogger
	file   *os.File
	level  = zap.NewAtomicLevelAt(zap.InfoLevel)
)

func init() {
	global = New(zapcore.AddSync(os.Stdout))
}

// New builds a console logger writing to ws at the shared level.
func New(ws zapcore.WriteSyncer) *zap.SugaredLogger {
	encoder := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:          "time",
		MessageKey:       "message",
		LevelKey:         "level",
		CallerKey:        "caller",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       zapcore.ISO8601TimeEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeCaller:     zapcore.ShortCallerEncoder,
		ConsoleSeparator: " ",
	})
	core := zapcore.NewCore(encoder, ws, level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

// Initialize adds a file sink in logDir next to stdout.
func Initialize(logDir string) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logPath := filepath.Join(logDir, LogFileName)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	mu.Lock()
	if file != nil {
		_ = file.Close()
	}
	file = f
	global = New(zapcore.NewMultiWriteSyncer(zapcore.AddSync(os.Stdout), zapcore.AddSync(f)))
	mu.Unlock()

	Infof("Logging initialized: %s", logPath)
	return nil
}

// SetOutput replaces the sink, mostly useful in tests.
func SetOutput(ws zapcore.WriteSyncer) {
	mu.Lock()
	global = New(ws)
	mu.Unlock()
}

// ParseLevel converts a config string to a zap level.
func ParseLevel(s string) (zapcore.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel, true
	case "info", "":
		return zapcore.InfoLevel, true
	case "warn", "warning":
		return zapcore.WarnLevel, true
	case "error":
		return zapcore.ErrorLevel, true
	default:
		return zapcore.InfoLevel, false
	}
}

// SetLevel sets the minimum level from a config string. Unknown values keep info.
func SetLevel(s string) {
	lvl, ok := ParseLevel(s)
	level.SetLevel(lvl)
	if !ok {
		Warnf("Unknown log level %q, using info", s)
	}
}

// Close flushes and closes the log file.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	_ = global.Sync()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	global = New(zapcore.AddSync(os.Stdout))
	return err
}

func logger() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Debugf logs a formatted debug message.
func Debugf(format string, v ...any) { logger().Debugf(format, v...) }

// Info logs a message.
func Info(v ...any) { logger().Info(v...) }

// Infof logs a formatted message.
func Infof(format string, v ...any) { logger().Infof(format, v...) }

// Warnf logs a formatted warning.
func Warnf(format string, v ...any) { logger().Warnf(format, v...) }

// Error logs an error.
func Error(v ...any) { logger().Error(v...) }

// Errorf logs a formatted error.
func Errorf(format string, v ...any) { logger().Errorf(format, v...) }

// Fatalf logs a formatted error and exits.
func Fatalf(format string, v ...any) { logger().Fatalf(format, v...) }
