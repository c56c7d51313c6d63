package logx

import (
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

var globalsOnce sync.Once

// zerolog keeps these as package state; every root built here shares them.
func setGlobals() {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = timeLayout
		zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
			return filepath.Base(file) + ":" + strconv.Itoa(line)
		}
	})
}

// Logger is a cheap value handle over a zerolog root.
//
// Handles taken from a Service follow later Service.Apply calls. The zero
// value discards everything.
type Logger struct {
	svc    *Service
	fixed  *zerolog.Logger
	fields []Field
}

// Nop returns a logger that never writes.
func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{fixed: &zl}
}

// NewConsole builds a standalone console logger for use before a config is
// loaded.
func NewConsole(level string) Logger {
	setGlobals()
	zl := zerolog.New(newConsoleWriter(Stdout())).
		Level(ParseLevel(level, LevelInfo)).
		With().Timestamp().Logger()
	return Logger{fixed: &zl}
}

// FromZerolog wraps zl as is.
func FromZerolog(zl zerolog.Logger) Logger {
	setGlobals()
	return Logger{fixed: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.fixed == nil && len(l.fields) == 0 }

func (l Logger) zl() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.fixed != nil:
		return *l.fixed
	}
	return zerolog.Nop()
}

// Enabled reports whether an event at level would be written.
func (l Logger) Enabled(level Level) bool {
	zl := l.zl()
	return zl.GetLevel() <= level
}

// With returns a child carrying fields on every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) > 0 {
		merged := make([]Field, 0, len(l.fields)+len(fields))
		l.fields = append(append(merged, l.fields...), fields...)
	}
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

// emit must stay exactly two frames below the public method's caller.
func (l Logger) emit(level Level, msg string, fields []Field) {
	zl := l.zl()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	e = e.Caller(2)
	apply(e, l.fields)
	apply(e, fields)
	e.Msg(msg)
}

func apply(e *zerolog.Event, fields []Field) {
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
}

// ParseLevel accepts trace through error, case-insensitive, plus "warning".
// Anything else yields def.
func ParseLevel(s string, def Level) Level {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "warning" {
		name = "warn"
	}
	if name == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl < LevelTrace || lvl > LevelError {
		return def
	}
	return lvl
}

// ValidLevel reports whether ParseLevel recognizes s.
func ValidLevel(s string) bool {
	return ParseLevel(s, zerolog.NoLevel) != zerolog.NoLevel
}
