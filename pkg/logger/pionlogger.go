package logger

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// PionFactory makes the pion loggers of a webrtc API.
// Each pion scope gets its own "mod" field.
type PionFactory struct {
	log *Logger
}

// NewPionFactory writes pion messages of the level and above
// (zerolog numbering, -1 is trace).
func NewPionFactory(root *Logger, level int) PionFactory {
	return PionFactory{log: &Logger{z: root.z.Level(zerolog.Level(level))}}
}

func (f PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{z: f.log.z.With().Str("mod", scope).Logger()}
}

type pionLogger struct {
	z zerolog.Logger
}

func (p pionLogger) Trace(msg string)                  { p.z.Trace().Msg(msg) }
func (p pionLogger) Tracef(format string, args ...any) { p.z.Trace().Msgf(format, args...) }
func (p pionLogger) Debug(msg string)                  { p.z.Debug().Msg(msg) }
func (p pionLogger) Debugf(format string, args ...any) { p.z.Debug().Msgf(format, args...) }
func (p pionLogger) Info(msg string)                   { p.z.Info().Msg(msg) }
func (p pionLogger) Infof(format string, args ...any)  { p.z.Info().Msgf(format, args...) }
func (p pionLogger) Warn(msg string)                   { p.z.Warn().Msg(msg) }
func (p pionLogger) Warnf(format string, args ...any)  { p.z.Warn().Msgf(format, args...) }
func (p pionLogger) Error(msg string)                  { p.z.Error().Msg(msg) }
func (p pionLogger) Errorf(format string, args ...any) { p.z.Error().Msgf(format, args...) }
