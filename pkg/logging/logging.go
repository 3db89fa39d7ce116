package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel defines the severity of the log entry.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String makes LogLevel satisfy the fmt.Stringer interface.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo // Default to INFO for unknown
	}
}

// ParseLevel converts a textual level ("debug", "info", "warn", "error") into a LogLevel.
func ParseLevel(raw string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}

// Logger is a leveled logger with a mutable label. The label is emitted as the
// "subsystem" attribute on every record, so a process can rename itself
// (e.g. after being spawned as a service) without rebuilding its handler.
type Logger struct {
	mu      sync.RWMutex
	label   string
	level   *slog.LevelVar
	handler *slog.Logger
}

// New creates a Logger writing text records to output at the given level.
func New(output io.Writer, level LogLevel) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(level.SlogLevel())
	return &Logger{
		level:   lv,
		handler: slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{Level: lv})),
	}
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	l := New(io.Discard, LevelError)
	l.level.Set(slog.LevelError + 1)
	return l
}

// SetLabel changes the label attached to subsequent records.
func (l *Logger) SetLabel(label string) {
	l.mu.Lock()
	l.label = label
	l.mu.Unlock()
}

// Label returns the current label. A nil Logger has none.
func (l *Logger) Label() string {
	if l == nil {
		return ""
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.label
}

// SetLevel changes the minimum level that is emitted.
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Set(level.SlogLevel())
}

// Level returns the current minimum level.
func (l *Logger) Level() LogLevel {
	switch lv := l.level.Level(); {
	case lv <= slog.LevelDebug:
		return LevelDebug
	case lv <= slog.LevelInfo:
		return LevelInfo
	case lv <= slog.LevelWarn:
		return LevelWarn
	default:
		return LevelError
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(messageFmt string, args ...interface{}) {
	l.log(LevelDebug, l.Label(), nil, messageFmt, args...)
}

// Info logs an informational message.
func (l *Logger) Info(messageFmt string, args ...interface{}) {
	l.log(LevelInfo, l.Label(), nil, messageFmt, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(messageFmt string, args ...interface{}) {
	l.log(LevelWarn, l.Label(), nil, messageFmt, args...)
}

// Error logs an error message.
func (l *Logger) Error(err error, messageFmt string, args ...interface{}) {
	l.log(LevelError, l.Label(), err, messageFmt, args...)
}

func (l *Logger) log(level LogLevel, subsystem string, err error, messageFmt string, args ...interface{}) {
	if l == nil {
		return
	}
	ctx := context.Background()
	if !l.handler.Enabled(ctx, level.SlogLevel()) {
		return
	}

	msg := messageFmt
	if len(args) > 0 {
		msg = fmt.Sprintf(messageFmt, args...)
	}

	var slogAttrs []slog.Attr
	if subsystem != "" {
		slogAttrs = append(slogAttrs, slog.String("subsystem", subsystem))
	}
	if err != nil {
		slogAttrs = append(slogAttrs, slog.String("error", err.Error()))
	}

	l.handler.LogAttrs(ctx, level.SlogLevel(), msg, slogAttrs...)
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// InitForCLI initializes the package-level logger.
// Logs will be written to output (usually os.Stderr, since stdout may carry protocol traffic).
func InitForCLI(filterLevel LogLevel, output io.Writer) *Logger {
	l := New(output, filterLevel)
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.handler) // Set for any global slog calls if necessary
	return l
}

// Default returns the package-level logger, initializing a stderr logger at
// INFO if InitForCLI was never called.
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}
	return InitForCLI(LevelInfo, os.Stderr)
}

func logInternal(level LogLevel, subsystem string, err error, messageFmt string, args ...interface{}) {
	l := Default()
	if l == nil {
		fmt.Fprintf(os.Stderr, "[LOGGING_ERROR] Logger not initialized. Log: %s [%s] %s\n", time.Now().Format(time.RFC3339), level, messageFmt)
		return
	}
	l.log(level, subsystem, err, messageFmt, args...)
}

// Debug logs a debug message.
func Debug(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelDebug, subsystem, nil, messageFmt, args...)
}

// Info logs an informational message.
func Info(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelInfo, subsystem, nil, messageFmt, args...)
}

// Warn logs a warning message.
func Warn(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelWarn, subsystem, nil, messageFmt, args...)
}

// Error logs an error message.
func Error(subsystem string, err error, messageFmt string, args ...interface{}) {
	logInternal(LevelError, subsystem, err, messageFmt, args...)
}
