// Package logging wraps zerolog with the printf-style helpers used across the
// service. Loggers are values passed to constructors; there is no package-level
// logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/thediveo/enumflag/v2"
)

type Level enumflag.Flag

const (
	Info Level = iota
	Debug
	Warn
	Error
)

// LevelIds maps levels to their command line spelling.
var LevelIds = map[Level][]string{
	Debug: {"debug"},
	Info:  {"info"},
	Warn:  {"warn"},
	Error: {"error"},
}

type Format enumflag.Flag

const (
	FormatJSON Format = iota
	FormatText
)

var FormatIds = map[Format][]string{
	FormatJSON: {"json"},
	FormatText: {"text"},
}

type Config struct {
	Level  Level
	Format Format
}

type Logger struct {
	zl zerolog.Logger
}

func NewLogger(cfg Config) *Logger {
	return NewLoggerTo(os.Stderr, cfg)
}

func NewLoggerTo(w io.Writer, cfg Config) *Logger {
	if cfg.Format == FormatText {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(w).With().Timestamp().Logger().Level(cfg.Level.zerolog())
	return &Logger{zl: zl}
}

// NewNop returns a logger that discards everything. Used by tests and as a
// fallback when no logger was configured.
func NewNop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case Debug:
		return zerolog.DebugLevel
	case Warn:
		return zerolog.WarnLevel
	case Error:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger that adds key=value to every entry.
func (l *Logger) With(key string, value any) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

// Zerolog exposes the underlying logger for libraries that accept one directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

func (l *Logger) Debugf(f string, args ...any) {
	l.zl.Debug().Msgf(f, args...)
}

func (l *Logger) Infof(f string, args ...any) {
	l.zl.Info().Msgf(f, args...)
}

func (l *Logger) Warnf(f string, args ...any) {
	l.zl.Warn().Msgf(f, args...)
}

func (l *Logger) Errorf(f string, args ...any) {
	l.zl.Error().Msgf(f, args...)
}
