// Package logging provides structured logging for the bridge SDK.
// It supports leveled output, key-value fields, and text or JSON formatting.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	bridgeerrors "github.com/ajitpratap0/llm-bridge-go/pkg/errors"
)

// Level represents the severity of a log message.
type Level int

const (
	// DebugLevel is for detailed information useful for debugging.
	DebugLevel Level = iota - 1
	// InfoLevel is for general informational messages.
	InfoLevel
	// WarnLevel is for warning messages.
	WarnLevel
	// ErrorLevel is for error messages.
	ErrorLevel
)

// String returns the string representation of a log level.
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

// Field represents a key-value pair for structured logging.
type Field struct {
	Key   string
	Value interface{}
}

// String creates a string field.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a boolean field.
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a duration field.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// ErrorField creates an error field.
func ErrorField(err error) Field {
	return Field{Key: "error", Value: err}
}

// Any creates a field with any value.
func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// RequestID creates the correlation-id field attached to tunnel requests.
func RequestID(id string) Field {
	return Field{Key: "request_id", Value: id}
}

// Provider creates the provider-id field.
func Provider(id string) Field {
	return Field{Key: "provider", Value: id}
}

// BridgeID creates the bridge session id field.
func BridgeID(id string) Field {
	return Field{Key: "bridge_id", Value: id}
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// WithFields returns a new logger with additional fields.
	WithFields(fields ...Field) Logger
	// WithContext returns a new logger carrying the request id from ctx.
	WithContext(ctx context.Context) Logger
	// WithError returns a new logger with error context attached.
	WithError(err error) Logger

	// SetLevel sets the minimum log level.
	SetLevel(level Level)
	// GetLevel returns the current log level.
	GetLevel() Level
}

// Entry represents a single log entry handed to a Formatter.
type Entry struct {
	Level     Level
	Message   string
	Fields    map[string]interface{}
	Timestamp time.Time
	RequestID string
	Component string
}

// Formatter formats log entries.
type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

type baseLogger struct {
	mu        sync.RWMutex
	level     Level
	output    io.Writer
	formatter Formatter
	fields    map[string]interface{}
}

// New creates a new structured logger. A nil output defaults to stdout and a
// nil formatter defaults to the text formatter.
func New(output io.Writer, formatter Formatter) Logger {
	if output == nil {
		output = os.Stdout
	}
	if formatter == nil {
		formatter = NewTextFormatter()
	}
	return &baseLogger{
		level:     InfoLevel,
		output:    output,
		formatter: formatter,
		fields:    make(map[string]interface{}),
	}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return New(io.Discard, NewTextFormatter())
}

func (l *baseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields...) }
func (l *baseLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields...) }
func (l *baseLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields...) }
func (l *baseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields...) }

func (l *baseLogger) WithFields(fields ...Field) Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	newFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for _, field := range fields {
		newFields[field.Key] = field.Value
	}

	return &baseLogger{
		level:     l.level,
		output:    l.output,
		formatter: l.formatter,
		fields:    newFields,
	}
}

func (l *baseLogger) WithContext(ctx context.Context) Logger {
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		return l.WithFields(RequestID(requestID))
	}
	return l
}

func (l *baseLogger) WithError(err error) Logger {
	fields := []Field{ErrorField(err)}

	if be, ok := bridgeerrors.AsBridgeError(err); ok {
		fields = append(fields,
			String("error_kind", string(be.Kind())),
			String("error_severity", string(be.Severity())),
			String("error_recovery", string(be.Recovery())),
		)
		if ctx := be.Context(); ctx != nil {
			if ctx.RequestID != "" {
				fields = append(fields, RequestID(ctx.RequestID))
			}
			if ctx.Provider != "" {
				fields = append(fields, Provider(ctx.Provider))
			}
			if ctx.Component != "" {
				fields = append(fields, String("component", ctx.Component))
			}
		}
	}

	return l.WithFields(fields...)
}

func (l *baseLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *baseLogger) GetLevel() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *baseLogger) log(level Level, msg string, fields ...Field) {
	l.mu.RLock()
	if level < l.level {
		l.mu.RUnlock()
		return
	}
	l.mu.RUnlock()

	entry := &Entry{
		Level:     level,
		Message:   msg,
		Fields:    make(map[string]interface{}),
		Timestamp: time.Now(),
	}

	l.mu.RLock()
	for k, v := range l.fields {
		entry.Fields[k] = v
	}
	l.mu.RUnlock()

	for _, field := range fields {
		entry.Fields[field.Key] = field.Value
	}

	if requestID, ok := entry.Fields["request_id"].(string); ok {
		entry.RequestID = requestID
	}
	if component, ok := entry.Fields["component"].(string); ok {
		entry.Component = component
	}

	data, err := l.formatter.Format(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to format log entry: %v\n", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.output.Write(data); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write log entry: %v\n", err)
	}
}

type contextKey string

const requestIDKey contextKey = "request_id"

// ContextWithRequestID returns a context carrying a tunnel request id.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the tunnel request id from a context.
func RequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}
