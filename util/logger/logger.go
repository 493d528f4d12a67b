package logger

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the logging level
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name as printed by String, in any case, to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	for l := DEBUG; l <= FATAL; l++ {
		if strings.EqualFold(l.String(), s) {
			return l, nil
		}
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

var (
	rootMu       sync.RWMutex
	root         = newZap(zapcore.Lock(os.Stdout))
	defaultLevel = INFO
)

func newZap(ws zapcore.WriteSyncer) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), ws, zapcore.DebugLevel)
	return zap.New(core)
}

// SetOutput redirects loggers created after this call to w.
func SetOutput(w io.Writer) {
	rootMu.Lock()
	defer rootMu.Unlock()
	root = newZap(zapcore.AddSync(w))
}

// SetDefaultLevel sets the level of loggers created after this call.
func SetDefaultLevel(level LogLevel) {
	rootMu.Lock()
	defer rootMu.Unlock()
	defaultLevel = level
}

// Zap returns the shared zap logger, for libraries that accept one directly.
func Zap() *zap.Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return root
}

// Logger represents a logger with configurable log level
type Logger struct {
	mu     sync.RWMutex
	level  LogLevel
	prefix string
	base   *zap.Logger
}

// NewLogger creates a new Logger instance using the default level
func NewLogger(prefix string) *Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return &Logger{
		level:  defaultLevel,
		prefix: prefix,
		base:   root,
	}
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

// SetPrefix changes the component name attached to every message
func (l *Logger) SetPrefix(prefix string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prefix = prefix
}

// GetPrefix returns the component name attached to every message
func (l *Logger) GetPrefix() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.prefix
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	l.mu.RLock()
	minLevel, prefix, base := l.level, l.prefix, l.base
	l.mu.RUnlock()

	if level < minLevel {
		return
	}

	z := base
	if prefix != "" {
		z = base.Named(prefix)
	}
	message := fmt.Sprintf(format, args...)

	switch level {
	case DEBUG:
		z.Debug(message)
	case INFO:
		z.Info(message)
	case WARN:
		z.Warn(message)
	case ERROR:
		z.Error(message)
	case FATAL:
		z.Fatal(message, zap.ByteString("stack", debug.Stack()))
	}
}

// Debugf logs a debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Infof logs an info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warnf logs a warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Errorf logs an error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// Fatalf logs a fatal message and exits the program
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(FATAL, format, args...)
}
