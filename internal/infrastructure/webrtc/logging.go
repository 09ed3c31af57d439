package webrtc

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// LoggerFactory routes pion's internal logging into zap. Trace output is
// folded into debug.
type LoggerFactory struct {
	logger *zap.SugaredLogger
}

var _ logging.LoggerFactory = (*LoggerFactory)(nil)

func NewLoggerFactory(logger *zap.SugaredLogger) *LoggerFactory {
	return &LoggerFactory{logger: logger}
}

func (f *LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{s: f.logger.With("pion_scope", scope)}
}

type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l *leveledLogger) Trace(msg string)                          { l.s.Debug(msg) }
func (l *leveledLogger) Tracef(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *leveledLogger) Debug(msg string)                          { l.s.Debug(msg) }
func (l *leveledLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *leveledLogger) Info(msg string)                           { l.s.Info(msg) }
func (l *leveledLogger) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *leveledLogger) Warn(msg string)                           { l.s.Warn(msg) }
func (l *leveledLogger) Warnf(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l *leveledLogger) Error(msg string)                          { l.s.Error(msg) }
func (l *leveledLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
