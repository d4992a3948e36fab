package logging

import (
	"testing"

	"go.uber.org/zap"
)

func TestNoOpLoggerSatisfiesInterfaceWithoutPanicking(t *testing.T) {
	var l Logger = NewNoOp()
	l.Debug("debug")
	l.Info("info")
	l.Warn("warn")
	l.Error("error")
	// Fatal is not exercised here: the zap-backed Logger terminates the
	// process on Fatal, while the no-op Logger discards it like the other
	// methods.
	if with := l.With(zap.String("k", "v")); with == nil {
		t.Fatal("With should return a non-nil Logger")
	}
}

func TestNewWrapsZapLogger(t *testing.T) {
	l := New(zap.NewNop())
	l.Info("hello", zap.Int("n", 1))
	scoped := l.With(zap.String("component", "test"))
	scoped.Warn("scoped warning")
	if scoped == nil {
		t.Fatal("With should return a non-nil Logger")
	}
}

func TestNewDevelopmentReturnsUsableLogger(t *testing.T) {
	l := NewDevelopment()
	if l == nil {
		t.Fatal("NewDevelopment returned nil")
	}
	l.Debug("a development log line")
}
