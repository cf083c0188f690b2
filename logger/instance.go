package logger

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu            sync.RWMutex
	defaultLogger *zap.Logger
	sugar         *zap.SugaredLogger
)

// Console-only until InitFromConfig runs, so importing packages and tests
// never touch the filesystem.
func init() {
	cfg := DefaultConfig()
	cfg.FilePath = ""
	l, err := New(cfg)
	if err != nil {
		l = zap.NewNop()
	}
	set(l)
}

func set(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if defaultLogger != nil {
		_ = defaultLogger.Sync()
	}
	defaultLogger = l
	sugar = l.Sugar()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// InitFromConfig initializes the logger from configuration
func InitFromConfig(level, format, filePath string, maxSize, maxBackups int, console bool) error {
	l, err := New(LoggerConfig{
		Level:      level,
		Format:     format,
		FilePath:   filePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Console:    console,
	})
	if err != nil {
		return err
	}
	set(l.With(zap.String("service_name", "crane-telemetry")))
	return nil
}

// SetLogger replaces the package logger, tests pass zap.NewNop()
func SetLogger(l *zap.Logger) {
	set(l)
}

// Zap returns the underlying structured logger
func Zap() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Debug logs debug level messages
func Debug(format string, args ...interface{}) {
	current().Debugf(format, args...)
}

// Info logs info level messages
func Info(format string, args ...interface{}) {
	current().Infof(format, args...)
}

// Warn logs warning level messages
func Warn(format string, args ...interface{}) {
	current().Warnf(format, args...)
}

// Error logs error level messages
func Error(format string, args ...interface{}) {
	current().Errorf(format, args...)
}

// Close flushes buffered log entries
func Close() error {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger.Sync()
}
