package logger

import "go.temporal.io/sdk/log"

// temporalLogger routes temporal sdk logs through zap
type temporalLogger struct {
	logger *Logger
}

var _ log.WithLogger = (*temporalLogger)(nil)

// GetTemporalLogger returns a temporal-compatible logger
func (l *Logger) GetTemporalLogger() log.Logger {
	return &temporalLogger{logger: l.With("component", "temporal")}
}

func (t *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	t.logger.Debugw(msg, keyvals...)
}

func (t *temporalLogger) Info(msg string, keyvals ...interface{}) {
	t.logger.Infow(msg, keyvals...)
}

func (t *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	t.logger.Warnw(msg, keyvals...)
}

func (t *temporalLogger) Error(msg string, keyvals ...interface{}) {
	t.logger.Errorw(msg, keyvals...)
}

func (t *temporalLogger) With(keyvals ...interface{}) log.Logger {
	return &temporalLogger{logger: t.logger.With(keyvals...)}
}
