// Package logging provides the process-wide printf-style logging contract and
// the default file-backed implementation used by every planning component.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"
)

const logDirEnvVar = "STEVE_LOG_DIR"

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// FileLogger writes component-tagged log lines to steve-planning.log.
type FileLogger struct {
	mu        sync.Mutex
	file      *os.File
	out       *log.Logger
	level     Level
	component string
	stderr    bool
}

var (
	baseOnce sync.Once
	baseLog  *FileLogger
)

// NewComponentLogger returns the shared file logger scoped to a component.
func NewComponentLogger(component string) Logger {
	baseOnce.Do(func() {
		baseLog = newFileLogger()
	})
	return &FileLogger{
		file:      baseLog.file,
		out:       baseLog.out,
		level:     baseLog.level,
		component: component,
		stderr:    baseLog.stderr,
	}
}

func newFileLogger() *FileLogger {
	l := &FileLogger{level: LevelDebug}
	if strings.EqualFold(os.Getenv("STEVE_LOG_STDERR"), "1") {
		l.stderr = true
	}

	dir, err := resolveLogDirectory()
	if err != nil {
		log.Printf("resolve log directory: %v", err)
		return l
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("create log directory %s: %v", dir, err)
		return l
	}

	path := filepath.Join(dir, "steve-planning.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("open log file: %v", err)
		return l
	}

	l.file = file
	l.out = log.New(file, "", 0) // formatted below
	return l
}

func resolveLogDirectory() (string, error) {
	if override := strings.TrimSpace(os.Getenv(logDirEnvVar)); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home, nil
}

// SetLevel sets the minimum log level.
func (l *FileLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Close closes the underlying log file.
func (l *FileLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *FileLogger) logf(level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("%s [%s]", time.Now().Format("2006-01-02 15:04:05.000"), level)
	if l.component != "" {
		line += fmt.Sprintf(" [%s]", l.component)
	}
	line += " " + msg

	if l.out != nil {
		l.out.Println(line)
	}
	if l.stderr || l.out == nil {
		fmt.Fprintln(os.Stderr, line)
	}
}

func (l *FileLogger) Debug(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *FileLogger) Info(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *FileLogger) Warn(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *FileLogger) Error(format string, args ...any) { l.logf(LevelError, format, args...) }
