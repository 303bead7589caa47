package internal

import (
	"fmt"
	"strings"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	Info LogLevel = iota
	Warning
	Error
	Debug
)

// String returns the name used when printing the level
func (l LogLevel) String() string {
	switch l {
	case Info:
		return "Info"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	case Debug:
		return "Debug"
	default:
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
}

// ParseLogLevel parses a level name from configuration. Unknown names map to Info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warning
	case "error":
		return Error
	default:
		return Info
	}
}

// LogStruct represents a log entry with a level and message
type LogStruct struct {
	LogLevel LogLevel
	Message  string
}

// LogHandlerFunc defines the function signature for log handlers
type LogHandlerFunc func(sender interface{}, log LogStruct)

// Logger carries a log handler to the components that need one.
// A nil *Logger or a Logger without handler drops every message.
type Logger struct {
	Handler LogHandlerFunc
}

// NewLogger creates a Logger that forwards entries to handler
func NewLogger(handler LogHandlerFunc) *Logger {
	return &Logger{Handler: handler}
}

func (l *Logger) push(sender interface{}, level LogLevel, message string) {
	if l == nil || l.Handler == nil {
		return
	}
	l.Handler(sender, LogStruct{
		LogLevel: level,
		Message:  message,
	})
}

// PushLogDebug sends a debug log message
func (l *Logger) PushLogDebug(sender interface{}, message string) {
	l.push(sender, Debug, message)
}

// PushLogInfo sends an info log message
func (l *Logger) PushLogInfo(sender interface{}, message string) {
	l.push(sender, Info, message)
}

// PushLogWarning sends a warning log message
func (l *Logger) PushLogWarning(sender interface{}, message string) {
	l.push(sender, Warning, message)
}

// PushLogError sends an error log message
func (l *Logger) PushLogError(sender interface{}, message string) {
	l.push(sender, Error, message)
}
