// Package pionlog routes pion's internal logging into zerolog.
package pionlog

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

type logger struct {
	*zerolog.Logger
}

// Factory returns a pion LoggerFactory writing to the given zerolog logger.
func Factory(l *zerolog.Logger) logging.LoggerFactory {
	return &logger{l}
}

func (l *logger) NewLogger(scope string) logging.LeveledLogger {
	scoped := l.Logger.With().Str("scope", scope).Logger()
	return &logger{&scoped}
}

func (l *logger) Trace(msg string) {
	l.Logger.Trace().Msg(msg)
}

func (l *logger) Tracef(format string, args ...interface{}) {
	l.Logger.Trace().Msgf(format, args...)
}

func (l *logger) Debug(msg string) {
	l.Logger.Debug().Msg(msg)
}

func (l *logger) Debugf(format string, args ...interface{}) {
	l.Logger.Debug().Msgf(format, args...)
}

func (l *logger) Info(msg string) {
	l.Logger.Info().Msg(msg)
}

func (l *logger) Infof(format string, args ...interface{}) {
	l.Logger.Info().Msgf(format, args...)
}

func (l *logger) Warn(msg string) {
	l.Logger.Warn().Msg(msg)
}

func (l *logger) Warnf(format string, args ...interface{}) {
	l.Logger.Warn().Msgf(format, args...)
}

func (l *logger) Error(msg string) {
	l.Logger.Error().Msg(msg)
}

func (l *logger) Errorf(format string, args ...interface{}) {
	l.Logger.Error().Msgf(format, args...)
}
