package logger

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/fatih/color"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

var (
	levelNames = map[LogLevel]string{
		DEBUG:  "DEBUG",
		INFO:   "INFO",
		WARN:   "WARN",
		ERROR:  "ERROR",
		SILENT: "SILENT",
	}

	levelColors = map[LogLevel]color.Attribute{
		DEBUG: color.FgCyan,
		INFO:  color.FgGreen,
		WARN:  color.FgYellow,
		ERROR: color.FgRed,
	}
)

// Logger provides leveled logging with module support
type Logger struct {
	mu       sync.Mutex
	level    LogLevel
	output   io.Writer
	useColor bool
	std      *log.Logger
	prefixes map[LogLevel]string
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the global logger (call once at startup)
func Init(level LogLevel, output io.Writer, useColor bool) {
	once.Do(func() {
		defaultLogger = New(level, output, useColor)
	})
}

// New creates a new Logger instance
func New(level LogLevel, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}

	l := &Logger{
		level:    level,
		output:   output,
		useColor: useColor,
		std:      log.New(output, "", log.Ldate|log.Ltime|log.Lmicroseconds),
		prefixes: make(map[LogLevel]string, len(levelColors)),
	}

	for lvl, attr := range levelColors {
		prefix := fmt.Sprintf("[%s]", levelNames[lvl])
		if useColor {
			c := color.New(attr)
			c.EnableColor()
			prefix = c.Sprint(prefix)
		}
		l.prefixes[lvl] = prefix
	}

	return l
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *Logger) log(level LogLevel, module string, format string, args ...interface{}) {
	l.mu.Lock()
	currentLevel := l.level
	l.mu.Unlock()

	if level < currentLevel || level >= SILENT {
		return
	}

	prefix := l.prefixes[level]
	if module != "" {
		prefix = fmt.Sprintf("%s [%s]", prefix, module)
	}

	l.std.Printf("%s %s", prefix, fmt.Sprintf(format, args...))
}

// Debug logs a debug message
func (l *Logger) Debug(module string, format string, args ...interface{}) {
	l.log(DEBUG, module, format, args...)
}

// Info logs an info message
func (l *Logger) Info(module string, format string, args ...interface{}) {
	l.log(INFO, module, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(module string, format string, args ...interface{}) {
	l.log(WARN, module, format, args...)
}

// Error logs an error message
func (l *Logger) Error(module string, format string, args ...interface{}) {
	l.log(ERROR, module, format, args...)
}

// Writer returns an io.Writer that logs each written line at the given level.
// Used to forward subprocess stderr.
func (l *Logger) Writer(level LogLevel, module string) io.Writer {
	return &lineWriter{l: l, level: level, module: module}
}

type lineWriter struct {
	l      *Logger
	level  LogLevel
	module string
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := string(w.buf[:i])
		w.buf = w.buf[i+1:]
		if line != "" {
			w.l.log(w.level, w.module, "%s", line)
		}
	}
	return len(p), nil
}

// Global logger functions (use default logger)

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	if defaultLogger != nil {
		defaultLogger.SetLevel(level)
	}
}

// GetLevel returns the global log level
func GetLevel() LogLevel {
	if defaultLogger != nil {
		return defaultLogger.GetLevel()
	}
	return INFO
}

// Debug logs a debug message using the global logger
func Debug(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Debug(module, format, args...)
	}
}

// Info logs an info message using the global logger
func Info(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Info(module, format, args...)
	}
}

// Warn logs a warning message using the global logger
func Warn(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Warn(module, format, args...)
	}
}

// Error logs an error message using the global logger
func Error(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Error(module, format, args...)
	}
}

// Writer returns a line writer on the global logger, or io.Discard before Init
func Writer(level LogLevel, module string) io.Writer {
	if defaultLogger != nil {
		return defaultLogger.Writer(level, module)
	}
	return io.Discard
}

// ParseLevel parses a log level string
func ParseLevel(s string) (LogLevel, error) {
	switch s {
	case "debug", "DEBUG":
		return DEBUG, nil
	case "info", "INFO":
		return INFO, nil
	case "warn", "WARN", "warning", "WARNING":
		return WARN, nil
	case "error", "ERROR":
		return ERROR, nil
	case "silent", "SILENT", "none", "NONE":
		return SILENT, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}
