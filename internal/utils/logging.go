package utils

import (
	"go.uber.org/zap"
)

type Logger struct {
	l *zap.SugaredLogger
}

func NewLogger() *Logger {
	z, err := zap.NewProduction()
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	return &Logger{l: z.Sugar()}
}

// NewLoggerFromZap wraps an existing zap logger (used by tests with an observer core).
func NewLoggerFromZap(z *zap.Logger) *Logger {
	return &Logger{l: z.Sugar()}
}

func (lg *Logger) Debug(msg string, kv ...any) { lg.l.Debugw(msg, kv...) }
func (lg *Logger) Info(msg string, kv ...any)  { lg.l.Infow(msg, kv...) }
func (lg *Logger) Warn(msg string, kv ...any)  { lg.l.Warnw(msg, kv...) }
func (lg *Logger) Error(msg string, kv ...any) { lg.l.Errorw(msg, kv...) }

// With returns a child logger that always carries the given key/value pairs.
func (lg *Logger) With(kv ...any) *Logger { return &Logger{l: lg.l.With(kv...)} }

func (lg *Logger) Sync() error { return lg.l.Sync() }
