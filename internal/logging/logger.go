package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
//
// Components depend on this interface rather than a concrete logger so tests
// can swap in a recorder or silence output entirely.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
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
	case LevelError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "warn", "WARN", "warning":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	defaultOutput io.Writer = os.Stderr
	defaultLevel            = LevelInfo
	defaultMu     sync.RWMutex
)

// SetDefaultLevel sets the minimum level for loggers created afterwards.
func SetDefaultLevel(level Level) {
	defaultMu.Lock()
	defaultLevel = level
	defaultMu.Unlock()
}

// SetDefaultOutput redirects loggers created afterwards to w. Used by tests.
func SetDefaultOutput(w io.Writer) {
	defaultMu.Lock()
	defaultOutput = w
	defaultMu.Unlock()
}

// componentLogger writes leveled, component-tagged lines through a shared
// log.Logger. Format: 2006-01-02 15:04:05 [INFO] [Component] message
type componentLogger struct {
	out       *log.Logger
	level     Level
	component string
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	defaultMu.RLock()
	out := defaultOutput
	level := defaultLevel
	defaultMu.RUnlock()
	return &componentLogger{
		out:       log.New(out, "", 0),
		level:     level,
		component: component,
	}
}

func (l *componentLogger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	component := l.component
	if component == "" {
		component = "retouch"
	}
	l.out.Printf("%s [%s] [%s] %s",
		time.Now().Format("2006-01-02 15:04:05"),
		level,
		component,
		fmt.Sprintf(format, args...),
	)
}

func (l *componentLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
