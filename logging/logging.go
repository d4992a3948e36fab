// Package logging provides the capability-injected logger used across the
// core. No package owns a global logger instance: every constructor below
// L0 takes a Logger explicitly, per DESIGN NOTES "Global mutable
// singletons".
package logging

import (
	"go.uber.org/zap"
)

// Logger is the capability object every layer is constructed with. It is
// intentionally small compared to github.com/luxfi/log's full interface —
// only the methods the core needs are exposed. Its methods take zap.Field,
// so callers build fields with go.uber.org/zap.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Fatal(msg string, fields ...zap.Field)
	With(fields ...zap.Field) Logger
}

type zapLogger struct {
	z *zap.Logger
}

// New wraps a *zap.Logger as a Logger.
func New(z *zap.Logger) Logger {
	return &zapLogger{z: z}
}

// NewDevelopment builds a human-readable development logger, suitable for
// the demo CLI and tests.
func NewDevelopment() Logger {
	z, err := zap.NewDevelopment()
	if err != nil {
		z = zap.NewNop()
	}
	return New(z)
}

func (l *zapLogger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }
func (l *zapLogger) Fatal(msg string, fields ...zap.Field) { l.z.Fatal(msg, fields...) }
func (l *zapLogger) With(fields ...zap.Field) Logger {
	return &zapLogger{z: l.z.With(fields...)}
}

// noOpLogger discards everything. Grounded in the teacher's
// log/noop.go + log/nolog.go pattern: a logger capability that safely
// satisfies the interface for tests and benchmarks.
type noOpLogger struct{}

// NewNoOp returns a logger that discards all output.
func NewNoOp() Logger { return noOpLogger{} }

func (noOpLogger) Debug(string, ...zap.Field)  {}
func (noOpLogger) Info(string, ...zap.Field)   {}
func (noOpLogger) Warn(string, ...zap.Field)   {}
func (noOpLogger) Error(string, ...zap.Field)  {}
func (noOpLogger) Fatal(string, ...zap.Field)  {}
func (l noOpLogger) With(...zap.Field) Logger  { return l }
