package observability

import (
	"fmt"
	"log"
	"os"
	"time"
)

// StandardLogger writes to stderr, following the teacher's rationale that
// stdio-transport servers must never share stdout with logging.
type StandardLogger struct {
	prefix string
	level  LogLevel
	logger *log.Logger
	fields map[string]interface{}
}

// NewLogger creates a StandardLogger with the given prefix at LogLevelInfo.
func NewLogger(prefix string) Logger {
	if prefix == "" {
		prefix = "tasklist-sync"
	}
	return &StandardLogger{
		prefix: prefix,
		level:  LogLevelInfo,
		logger: log.New(os.Stderr, "", 0),
	}
}

// WithLevel returns a copy of the logger filtering below level.
func (l *StandardLogger) WithLevel(level LogLevel) *StandardLogger {
	cp := *l
	cp.level = level
	return &cp
}

func (l *StandardLogger) Debug(msg string, fields map[string]interface{}) {
	if l.levelEnabled(LogLevelDebug) {
		l.log(LogLevelDebug, msg, fields)
	}
}

func (l *StandardLogger) Info(msg string, fields map[string]interface{}) {
	if l.levelEnabled(LogLevelInfo) {
		l.log(LogLevelInfo, msg, fields)
	}
}

func (l *StandardLogger) Warn(msg string, fields map[string]interface{}) {
	if l.levelEnabled(LogLevelWarn) {
		l.log(LogLevelWarn, msg, fields)
	}
}

func (l *StandardLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LogLevelError, msg, fields)
}

func (l *StandardLogger) Fatal(msg string, fields map[string]interface{}) {
	l.log(LogLevelFatal, msg, fields)
	os.Exit(1)
}

func (l *StandardLogger) WithPrefix(prefix string) Logger {
	cp := *l
	cp.prefix = prefix
	return &cp
}

func (l *StandardLogger) With(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	cp := *l
	cp.fields = merged
	return &cp
}

func (l *StandardLogger) levelEnabled(level LogLevel) bool {
	rank := map[LogLevel]int{
		LogLevelDebug: 0, LogLevelInfo: 1, LogLevelWarn: 2, LogLevelError: 3, LogLevelFatal: 4,
	}
	return rank[level] >= rank[l.level]
}

func (l *StandardLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	timestamp := time.Now().Format(time.RFC3339Nano)
	var fieldsStr string
	for k, v := range l.fields {
		fieldsStr += fmt.Sprintf(" %s=%v", k, v)
	}
	for k, v := range fields {
		fieldsStr += fmt.Sprintf(" %s=%v", k, v)
	}
	l.logger.Printf("%s [%s] [%s] %s%s", timestamp, level, l.prefix, msg, fieldsStr)
}
