// Package obslog provides the package-level structured logging seam used
// across go-pipelinecore. It mirrors the shape of a pluggable logger
// interface so that call sites never import a concrete logging backend
// directly; SetLogger installs a zerolog-backed implementation (or any
// other Logger) at process start.
package obslog

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog's severity levels without exposing the dependency
// to callers.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Field is a single structured key/value attribute attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// F builds a Field, for terse call sites.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Logger is the structured logging contract implemented by this package's
// default (zerolog-backed) logger, and may be substituted via SetLogger.
type Logger interface {
	Log(level Level, msg string, fields ...Field)
}

var global struct {
	sync.RWMutex
	logger Logger
}

func init() {
	global.logger = newZerologLogger(zerolog.New(os.Stderr).With().Timestamp().Logger())
}

// SetLogger installs the process-wide logger. Passing nil restores the
// default zerolog-to-stderr logger.
func SetLogger(l Logger) {
	global.Lock()
	defer global.Unlock()
	if l == nil {
		global.logger = newZerologLogger(zerolog.New(os.Stderr).With().Timestamp().Logger())
		return
	}
	global.logger = l
}

func current() Logger {
	global.RLock()
	defer global.RUnlock()
	return global.logger
}

func Debug(msg string, fields ...Field) { current().Log(LevelDebug, msg, fields...) }
func Info(msg string, fields ...Field)  { current().Log(LevelInfo, msg, fields...) }
func Warn(msg string, fields ...Field)  { current().Log(LevelWarn, msg, fields...) }
func Error(msg string, fields ...Field) { current().Log(LevelError, msg, fields...) }

// zerologLogger adapts zerolog.Logger to the Logger interface.
type zerologLogger struct {
	// quiet silences everything below LevelError; used in tests.
	quiet atomic.Bool
	inner zerolog.Logger
}

func newZerologLogger(inner zerolog.Logger) *zerologLogger {
	return &zerologLogger{inner: inner}
}

// NewZerologLogger exposes the adapter so callers can wire a customized
// zerolog.Logger (e.g. a different writer, sampling, or level) via SetLogger.
func NewZerologLogger(inner zerolog.Logger) Logger {
	return newZerologLogger(inner)
}

func (l *zerologLogger) Log(level Level, msg string, fields ...Field) {
	if l.quiet.Load() && level < LevelError {
		return
	}
	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = l.inner.Debug()
	case LevelWarn:
		ev = l.inner.Warn()
	case LevelError:
		ev = l.inner.Error()
	default:
		ev = l.inner.Info()
	}
	for _, f := range fields {
		ev = ev.Interface(f.Key, f.Value)
	}
	ev.Msg(msg)
}

// SetQuiet silences debug/info/warn output on the default logger; intended
// for use in tests that install no custom logger but want clean output.
func SetQuiet(quiet bool) {
	global.RLock()
	defer global.RUnlock()
	if zl, ok := global.logger.(*zerologLogger); ok {
		zl.quiet.Store(quiet)
	}
}
