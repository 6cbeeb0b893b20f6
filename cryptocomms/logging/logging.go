// Package logging provides the leveled wrapper around the standard
// library's log.Logger used throughout cryptocomms. There is no
// structured-logging dependency in this stack; every component writes
// through one of these helpers so verbosity can be tuned in one place.
package logging

import (
	"io"
	"log"
	"os"
)

// Level controls which severities are written.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger wraps a *log.Logger with a minimum level filter.
type Logger struct {
	std *log.Logger
	min Level
}

// New returns a Logger writing to w with the given prefix and minimum
// level. Pass os.Stderr for w to match the CLI's default.
func New(w io.Writer, prefix string, min Level) *Logger {
	return &Logger{
		std: log.New(w, prefix, log.LstdFlags|log.Lmicroseconds),
		min: min,
	}
}

// Default returns a Logger writing to stderr at LevelInfo, suitable for
// package-level fallbacks.
func Default() *Logger {
	return New(os.Stderr, "cryptocomms: ", LevelInfo)
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

// Fatalf logs at LevelError regardless of the minimum level, then exits
// the process. Reserved for StartupError and FatalReservationError paths
// in cmd/cryptocomms.
func (l *Logger) Fatalf(format string, args ...any) {
	l.std.Fatalf("FATAL "+format, args...)
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if level < l.min {
		return
	}
	l.std.Printf(levelPrefix(level)+format, args...)
}

func levelPrefix(level Level) string {
	switch level {
	case LevelDebug:
		return "DEBUG "
	case LevelWarn:
		return "WARN "
	case LevelError:
		return "ERROR "
	default:
		return ""
	}
}
