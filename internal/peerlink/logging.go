package peerlink

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// NewLoggerFactory bridges pion's logging factory to slog so internal ICE and
// DTLS logs land in the process log stream with a scope attribute.
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return slogLoggerFactory{logger: logger}
}

type slogLoggerFactory struct {
	logger *slog.Logger
}

func (f slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLeveledLogger{logger: f.logger.With("scope", scope)}
}

type slogLeveledLogger struct {
	logger *slog.Logger
}

func (l slogLeveledLogger) Trace(msg string) { l.logger.Debug(msg) }
func (l slogLeveledLogger) Tracef(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l slogLeveledLogger) Debug(msg string) { l.logger.Debug(msg) }
func (l slogLeveledLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l slogLeveledLogger) Info(msg string) { l.logger.Info(msg) }
func (l slogLeveledLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l slogLeveledLogger) Warn(msg string) { l.logger.Warn(msg) }
func (l slogLeveledLogger) Warnf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l slogLeveledLogger) Error(msg string) { l.logger.Error(msg) }
func (l slogLeveledLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
