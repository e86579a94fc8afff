package logging

import (
	"io"
	"strings"
	"sync"
	"time"
)

// Level is the minimum severity a logger emits.
type Level int

const (
	// DebugLevel covers per-heartbeat and per-RPC detail; off in production.
	DebugLevel Level = iota
	// InfoLevel is the default: role changes, failover steps, link up/down.
	InfoLevel
	// WarnLevel marks degraded but self-healing conditions, such as a lost
	// link, an aborted failover or a refused promotion.
	WarnLevel
	// ErrorLevel needs an operator.
	ErrorLevel
)

// String returns the upper-case name written in the "level" field.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name to a Level. Unknown names map to InfoLevel.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Field is a key-value pair attached to a log line.
type Field struct {
	Key   string
	Value any
}

// Logger is the structured logger used by every component.
type Logger interface {
	// Debug logs at DebugLevel.
	Debug(msg string, fields ...Field)
	// Info logs at InfoLevel.
	Info(msg string, fields ...Field)
	// Warn logs at WarnLevel.
	Warn(msg string, fields ...Field)
	// Error logs at ErrorLevel.
	Error(msg string, fields ...Field)
	// With returns a child logger that adds fields to every line.
	With(fields ...Field) Logger
	// SetLevel changes the minimum level. It affects the logger's
	// children as well.
	SetLevel(level Level)
	// GetLevel returns the minimum level.
	GetLevel() Level
}

// JSONLogger writes one JSON object per line. Children made with With
// share the writer and the level with their parent.
type JSONLogger struct {
	out    *syncWriter
	level  *levelVar
	fields []Field
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

type levelVar struct {
	mu    sync.RWMutex
	level Level
}

// NopLogger discards everything. Used in tests.
type NopLogger struct{}

// The NopLogger methods do nothing; GetLevel always reports InfoLevel.

func (NopLogger) Debug(string, ...Field) {}
func (NopLogger) Info(string, ...Field)  {}
func (NopLogger) Warn(string, ...Field)  {}
func (NopLogger) Error(string, ...Field) {}
func (n NopLogger) With(...Field) Logger { return n }
func (NopLogger) SetLevel(Level)         {}
func (NopLogger) GetLevel() Level        { return InfoLevel }

// NewNopLogger returns a logger that discards all output.
func NewNopLogger() Logger {
	return NopLogger{}
}

// TimedOperation logs the duration of an operation when it ends.
type TimedOperation struct {
	logger Logger
	msg    string
	start  time.Time
	fields []Field
}
