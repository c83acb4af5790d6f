// Package logging provides structured logging for the Circle core.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// ParseLevel maps a config string to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger provides structured JSON logging. Context maps end up under the
// "context" key of each entry.
type Logger struct {
	base     *logrus.Logger
	out      io.Writer
	minLevel LogLevel
}

var (
	// global logger instance
	global *Logger
	mu     sync.Mutex
)

// New creates a logger writing JSON lines to out.
func New(out io.Writer, minLevel LogLevel) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetLevel(minLevel.logrus())
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		DataKey:         "context",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	})
	return &Logger{base: base, out: out, minLevel: minLevel}
}

// Init initializes the global logger. Later calls are ignored.
func Init(out io.Writer, minLevel LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global = New(out, minLevel)
	}
}

// Get returns the global logger instance.
func Get() *Logger {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global = New(os.Stdout, LevelInfo)
	}
	return global
}

// LogEntry mirrors the JSON shape of one emitted line.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

func (l *Logger) log(level LogLevel, message string, err error, context map[string]interface{}) {
	entry := logrus.NewEntry(l.base)
	if len(context) > 0 {
		entry = entry.WithFields(logrus.Fields(context))
	}
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Log(level.logrus(), message)
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.log(LevelDebug, message, nil, mergeContext(context...))
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.log(LevelInfo, message, nil, mergeContext(context...))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.log(LevelWarn, message, nil, mergeContext(context...))
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.log(LevelError, message, err, mergeContext(context...))
}

// ErrorWithCode logs an error tagged with an error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	ctx := mergeContext(append(context, map[string]interface{}{"error_code": code})...)
	l.log(LevelError, message, err, ctx)
}

// mergeContext merges multiple context maps, skipping nil ones.
func mergeContext(context ...map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
