// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package log

import (
	"fmt"
	"time"

	"github.com/luxfi/node/utils/logging"
	"go.uber.org/zap"
)

// Field is a structured log field
type Field = zap.Field

// Logger is the structured logger handed to every exchange component
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	With(fields ...zap.Field) Logger
	Sync() error
}

// luxLogger wraps luxfi/node's Logger. Fields added through With are
// prepended to every entry.
type luxLogger struct {
	log    logging.Logger
	fields []zap.Field
}

// New creates a new logger using luxfi's logging
func New() Logger {
	l, err := NewWithLevel("info")
	if err != nil {
		return NoOp()
	}
	return l
}

// NewWithLevel creates a new logger with specific level
func NewWithLevel(level string) (Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	return newLux("rtbx", lvl)
}

// NewLogger creates a new logger with a name
func NewLogger(name string) Logger {
	l, err := newLux(name, logging.Info)
	if err != nil {
		return NoOp()
	}
	return l
}

func newLux(name string, lvl logging.Level) (Logger, error) {
	config := logging.Config{
		DisplayLevel: lvl,
		LogLevel:     lvl,
	}
	factory := logging.NewFactory(config)
	log, err := factory.Make(name)
	if err != nil {
		return nil, err
	}
	return &luxLogger{log: log}, nil
}

func parseLevel(level string) (logging.Level, error) {
	switch level {
	case "debug":
		return logging.Debug, nil
	case "info", "":
		return logging.Info, nil
	case "warn":
		return logging.Warn, nil
	case "error":
		return logging.Error, nil
	case "fatal":
		return logging.Fatal, nil
	default:
		return logging.Info, fmt.Errorf("unknown log level %q", level)
	}
}

func (l *luxLogger) Debug(msg string, fields ...zap.Field) { l.log.Debug(msg, l.join(fields)...) }
func (l *luxLogger) Info(msg string, fields ...zap.Field)  { l.log.Info(msg, l.join(fields)...) }
func (l *luxLogger) Warn(msg string, fields ...zap.Field)  { l.log.Warn(msg, l.join(fields)...) }
func (l *luxLogger) Error(msg string, fields ...zap.Field) { l.log.Error(msg, l.join(fields)...) }

func (l *luxLogger) With(fields ...zap.Field) Logger {
	return &luxLogger{log: l.log, fields: l.join(fields)}
}

// Sync flushes any buffered log entries
func (l *luxLogger) Sync() error {
	l.log.Stop()
	return nil
}

func (l *luxLogger) join(fields []zap.Field) []zap.Field {
	if len(l.fields) == 0 {
		return fields
	}
	out := make([]zap.Field, 0, len(l.fields)+len(fields))
	out = append(out, l.fields...)
	return append(out, fields...)
}

// zapLogger adapts a plain zap.Logger, used by tests that observe entries
// and by the no-op logger.
type zapLogger struct {
	log *zap.Logger
}

// FromZap adapts an existing zap logger
func FromZap(l *zap.Logger) Logger {
	return &zapLogger{log: l}
}

// NoOp returns a no-op logger
func NoOp() Logger {
	return &zapLogger{log: zap.NewNop()}
}

// NoLog is a no-op logger instance
var NoLog = NoOp()

func (l *zapLogger) Debug(msg string, fields ...zap.Field) { l.log.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...zap.Field)  { l.log.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...zap.Field)  { l.log.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...zap.Field) { l.log.Error(msg, fields...) }

func (l *zapLogger) With(fields ...zap.Field) Logger {
	return &zapLogger{log: l.log.With(fields...)}
}

func (l *zapLogger) Sync() error {
	return l.log.Sync()
}

// For compatibility with zap.Field usage in some places
func String(key, val string) zap.Field {
	return zap.String(key, val)
}

func Int(key string, val int) zap.Field {
	return zap.Int(key, val)
}

func Float64(key string, val float64) zap.Field {
	return zap.Float64(key, val)
}

func Duration(key string, val time.Duration) zap.Field {
	return zap.Duration(key, val)
}

func Stringer(key string, val interface{ String() string }) zap.Field {
	return zap.Stringer(key, val)
}

func Error(err error) zap.Field {
	return zap.Error(err)
}

func Bool(key string, val bool) zap.Field {
	return zap.Bool(key, val)
}
