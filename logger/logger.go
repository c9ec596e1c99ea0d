package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level represents log severity
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a flag value such as "debug" or "WARN" to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO", "":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

// Logger writes levelled lines to stdout and, once Init is called with a
// directory, to a daily log file.
type Logger struct {
	mu       sync.Mutex
	level    Level
	logger   *log.Logger
	file     *os.File
	filePath string
	echo     bool
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the default logger with optional file output
func Init(logDir string, minLevel Level) error {
	var initErr error
	once.Do(func() {
		defaultLogger = &Logger{
			level:  minLevel,
			logger: log.New(os.Stdout, "", 0),
		}

		if logDir == "" {
			return
		}
		if err := os.MkdirAll(logDir, 0755); err != nil {
			initErr = fmt.Errorf("failed to create log directory: %w", err)
			return
		}

		logPath := filepath.Join(logDir, fmt.Sprintf("keyflash_%s.log", time.Now().Format("2006-01-02")))
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			initErr = fmt.Errorf("failed to open log file: %w", err)
			return
		}

		defaultLogger.file = f
		defaultLogger.filePath = logPath
		defaultLogger.logger = log.New(f, "", 0)
		defaultLogger.echo = true
	})
	return initErr
}

// SetOutput redirects the default logger. Mostly useful in tests.
func SetOutput(w io.Writer) {
	l := getDefaultLogger()
	l.mu.Lock()
	l.logger = log.New(w, "", 0)
	l.echo = false
	l.mu.Unlock()
}

// Path returns the current log file, or "" when logging to stdout only.
func Path() string {
	return getDefaultLogger().filePath
}

// Close closes the log file if one is open
func Close() {
	if defaultLogger != nil && defaultLogger.file != nil {
		defaultLogger.file.Close()
	}
}

// SetLevel sets the minimum log level
func SetLevel(level Level) {
	l := getDefaultLogger()
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func getDefaultLogger() *Logger {
	if defaultLogger == nil {
		defaultLogger = &Logger{
			level:  INFO,
			logger: log.New(os.Stdout, "", 0),
		}
	}
	return defaultLogger
}

func (l *Logger) log(level Level, depth int, prefix, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	message := fmt.Sprintf(format, args...)

	_, file, line, ok := runtime.Caller(depth)
	caller := "unknown"
	if ok {
		caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}

	logLine := fmt.Sprintf("[%s] [%s] [%s] %s%s", timestamp, level, caller, prefix, message)
	l.logger.Println(logLine)

	if l.echo {
		fmt.Println(logLine)
	}
}

// Debug logs a debug message
func Debug(format string, args ...interface{}) {
	getDefaultLogger().log(DEBUG, 2, "", format, args...)
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	getDefaultLogger().log(INFO, 2, "", format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	getDefaultLogger().log(WARN, 2, "", format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	getDefaultLogger().log(ERROR, 2, "", format, args...)
}

// WithError logs an error with the error object
func WithError(err error, format string, args ...interface{}) {
	if err == nil {
		return
	}
	message := fmt.Sprintf(format, args...)
	getDefaultLogger().log(ERROR, 2, "", "%s: %v", message, err)
}

// WarnWithError logs a warning with the error object
func WarnWithError(err error, format string, args ...interface{}) {
	if err == nil {
		return
	}
	message := fmt.Sprintf(format, args...)
	getDefaultLogger().log(WARN, 2, "", "%s: %v", message, err)
}

// Entry prefixes every line with the flashing stage and device it concerns.
type Entry struct {
	prefix string
}

// Stage returns an Entry scoped to a flashing stage on a device.
func Stage(stage, device string) *Entry {
	return &Entry{prefix: fmt.Sprintf("[stage=%s device=%s] ", stage, device)}
}

func (e *Entry) Debug(format string, args ...interface{}) {
	getDefaultLogger().log(DEBUG, 2, e.prefix, format, args...)
}

func (e *Entry) Info(format string, args ...interface{}) {
	getDefaultLogger().log(INFO, 2, e.prefix, format, args...)
}

func (e *Entry) Warn(format string, args ...interface{}) {
	getDefaultLogger().log(WARN, 2, e.prefix, format, args...)
}

// WithError logs err at ERROR level. A nil err is ignored.
func (e *Entry) WithError(err error, format string, args ...interface{}) {
	if err == nil {
		return
	}
	message := fmt.Sprintf(format, args...)
	getDefaultLogger().log(ERROR, 2, e.prefix, "%s: %v", message, err)
}
