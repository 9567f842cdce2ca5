package mocks

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// NewNoOpLogger creates a logger that discards all output
func NewNoOpLogger() *zap.Logger {
	return zap.New(zapcore.NewNopCore())
}

// NewObservedLogger creates a logger whose entries can be asserted on
func NewObservedLogger(level zapcore.Level) (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core), logs
}
