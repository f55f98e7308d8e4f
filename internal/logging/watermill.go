package logging

import (
	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
)

// watermillZapLogger adapts *zap.Logger to watermill.LoggerAdapter.
type watermillZapLogger struct {
	l *zap.Logger
}

// NewWatermillLogger builds the watermill.LoggerAdapter the broker
// wire's publisher/subscriber pair logs through.
func NewWatermillLogger(l *zap.Logger) watermill.LoggerAdapter {
	return watermillZapLogger{l: l}
}

func (w watermillZapLogger) fields(f watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (w watermillZapLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.l.Error(msg, append(w.fields(fields), zap.Error(err))...)
}

func (w watermillZapLogger) Info(msg string, fields watermill.LogFields) {
	w.l.Info(msg, w.fields(fields)...)
}

func (w watermillZapLogger) Debug(msg string, fields watermill.LogFields) {
	w.l.Debug(msg, w.fields(fields)...)
}

func (w watermillZapLogger) Trace(msg string, fields watermill.LogFields) {
	w.l.Debug(msg, w.fields(fields)...)
}

func (w watermillZapLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillZapLogger{l: w.l.With(w.fields(fields)...)}
}
