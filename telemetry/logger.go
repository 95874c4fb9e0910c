// Package telemetry wraps zerolog into the small, component-scoped logging
// surface every engine in this module uses, following the same shape as
// the longbow reference codebase's structured logger.
package telemetry

import (
	"os"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog's level enum so callers don't need to import
// zerolog directly.
type Level int8

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger is a component-scoped structured logger.
type Logger struct {
	logger zerolog.Logger
}

// New creates a Logger for the named component (e.g. "sender", "receiver",
// "control"), writing JSON lines to stderr at the given level.
func New(component string, level Level) *Logger {
	l := zerolog.New(os.Stderr).With().Timestamp().Str("component", component).Logger().Level(level.zerolog())
	return &Logger{logger: l}
}

func fieldsEvent(e *zerolog.Event, fields map[string]any) *zerolog.Event {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}

func (l *Logger) Debug(msg string, fields ...map[string]any) {
	e := l.logger.Debug()
	for _, f := range fields {
		e = fieldsEvent(e, f)
	}
	e.Msg(msg)
}

func (l *Logger) Info(msg string, fields ...map[string]any) {
	e := l.logger.Info()
	for _, f := range fields {
		e = fieldsEvent(e, f)
	}
	e.Msg(msg)
}

func (l *Logger) Warn(msg string, fields ...map[string]any) {
	e := l.logger.Warn()
	for _, f := range fields {
		e = fieldsEvent(e, f)
	}
	e.Msg(msg)
}

func (l *Logger) Error(err error, msg string, fields ...map[string]any) {
	e := l.logger.Error().Err(err)
	for _, f := range fields {
		e = fieldsEvent(e, f)
	}
	e.Msg(msg)
}

// With returns a child Logger with a peer/transfer scoped to every
// subsequent line, mirroring the per-transfer log lines the original
// meshsender.py prints (sender id, transfer id in every message).
func (l *Logger) With(fields map[string]any) *Logger {
	ctx := l.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{logger: ctx.Logger()}
}
