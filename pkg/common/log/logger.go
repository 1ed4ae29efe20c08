// Package log provides the leveled logger shared by lumo components.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents the logging level
type Level int

const (
	// LevelDebug level for detailed troubleshooting information
	LevelDebug Level = iota
	// LevelInfo level for general operational information
	LevelInfo
	// LevelWarn level for recoverable anomalies, such as a chunk footer
	// that disagrees with its header during inspection
	LevelWarn
	// LevelError level for failures surfaced to the caller
	LevelError
)

// String returns the string representation of the log level
func (l Level) String() string {
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
		return fmt.Sprintf("LEVEL(%d)", l)
	}
}

// Logger writes timestamped, leveled log lines. Create instances with
// New; the zero value writes nowhere.
type Logger struct {
	mu        sync.Mutex
	level     Level
	out       io.Writer
	component string
}

// Option configures a Logger.
type Option func(*Logger)

// WithLevel sets the minimum level that is written.
func WithLevel(level Level) Option {
	return func(l *Logger) { l.level = level }
}

// WithOutput sets the output writer. Passing io.Discard yields a quiet
// logger, used while repair runs its nested validation trials.
func WithOutput(out io.Writer) Option {
	return func(l *Logger) { l.out = out }
}

// New creates a Logger writing to stderr at Info level unless options
// say otherwise.
func New(options ...Option) *Logger {
	l := &Logger{
		level: LevelInfo,
		out:   os.Stderr,
	}
	for _, option := range options {
		option(l)
	}
	return l
}

// WithComponent returns a logger that prefixes every line with the
// given component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		level:     l.level,
		out:       l.out,
		component: name,
	}
}

// SetLevel sets the minimum level that is written.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) log(level Level, msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level || l.out == nil {
		return
	}

	formatted := msg
	if len(args) > 0 {
		formatted = fmt.Sprintf(msg, args...)
	}
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	if l.component != "" {
		fmt.Fprintf(l.out, "[%s] [%s] %s: %s\n", timestamp, level.String(), l.component, formatted)
	} else {
		fmt.Fprintf(l.out, "[%s] [%s] %s\n", timestamp, level.String(), formatted)
	}
}

// Debug logs a debug-level message
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.log(LevelDebug, msg, args...)
}

// Info logs an info-level message
func (l *Logger) Info(msg string, args ...interface{}) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs a warning-level message
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.log(LevelWarn, msg, args...)
}

// Error logs an error-level message
func (l *Logger) Error(msg string, args ...interface{}) {
	l.log(LevelError, msg, args...)
}

// Default logger instance
var defaultLogger = New()

// Default returns the shared default logger.
func Default() *Logger { return defaultLogger }

// Quiet returns a logger that drops everything. Used to silence nested
// validation output during repair trials.
func Quiet() *Logger { return New(WithOutput(io.Discard)) }
