/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package pionengine

import (
	pionLogging "github.com/pion/logging"
	"github.com/sirupsen/logrus"
)

type leveledLogrusLogger struct {
	logrus.FieldLogger
	trace bool
}

func (ll *leveledLogrusLogger) Debug(msg string) {
	ll.FieldLogger.Debug(msg)
}
func (ll *leveledLogrusLogger) Error(msg string) {
	ll.FieldLogger.Error(msg)
}
func (ll *leveledLogrusLogger) Info(msg string) {
	ll.FieldLogger.Info(msg)
}
func (ll *leveledLogrusLogger) Trace(msg string) {
	if ll.trace {
		ll.FieldLogger.Debug(msg)
	}
}
func (ll *leveledLogrusLogger) Tracef(format string, args ...interface{}) {
	if ll.trace {
		ll.FieldLogger.Debugf(format, args...)
	}
}
func (ll *leveledLogrusLogger) Warn(msg string) {
	ll.FieldLogger.Warn(msg)
}

type loggerFactory struct {
	logger logrus.FieldLogger
	trace  bool
}

func (factory *loggerFactory) NewLogger(scope string) pionLogging.LeveledLogger {
	return &leveledLogrusLogger{
		FieldLogger: factory.logger.WithField("webrtc", scope),
		trace:       factory.trace,
	}
}

// traceEnabled reports whether the logger was configured with trace level,
// which turns on pion's trace output.
func traceEnabled(logger logrus.FieldLogger) bool {
	switch l := logger.(type) {
	case *logrus.Logger:
		return l.IsLevelEnabled(logrus.TraceLevel)
	case *logrus.Entry:
		return l.Logger != nil && l.Logger.IsLevelEnabled(logrus.TraceLevel)
	default:
		return false
	}
}
