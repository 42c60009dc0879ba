// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

package streamhttp

import (
	"sync/atomic"

	"github.com/mcptransport/streamhttp/internal/log"
)

// Logger defines the logging interface used throughout the transport.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
}

// NewZapLogger returns a Logger backed by zap, hiding the zap types.
func NewZapLogger() Logger {
	return log.NewZapLogger()
}

// loggerBox keeps the stored type identical across SetDefaultLogger calls so
// atomic.Value accepts differing Logger implementations.
type loggerBox struct{ Logger }

var defaultLogger atomic.Value

func init() {
	defaultLogger.Store(loggerBox{NewZapLogger()})
}

// SetDefaultLogger replaces the logger used by components that were not
// given one explicitly. A nil logger is ignored.
func SetDefaultLogger(l Logger) {
	if l == nil {
		return
	}
	defaultLogger.Store(loggerBox{l})
}

// GetDefaultLogger returns the current default logger.
func GetDefaultLogger() Logger {
	return defaultLogger.Load().(loggerBox).Logger
}
