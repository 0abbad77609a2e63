// Package logger wraps zerolog with the field names shared by the
// coordinator and the agents.
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/examwatch/proctor/pkg/config/shared"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DirectionField is the way a signaling message goes: → out, ← in, x closed.
	DirectionField = "d"
	RoomField      = "room"
	UserField      = "user"
	SessionField   = "session"
	TagField       = "tag"

	ownerField = "s"
	pidField   = "pid"
)

var pid = os.Getpid()

type Logger struct {
	z zerolog.Logger
}

// Setup makes the process logger from the config, tag marks its lines
// in the console output.
func Setup(conf shared.Logging, tag string) *Logger {
	if conf.Console {
		return NewConsole(conf.Debug, tag, conf.NoColor)
	}
	return New(conf.Debug)
}

func setLevel(debug bool) {
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// New is a JSON logger to stderr.
func New(debug bool) *Logger {
	setLevel(debug)
	return &Logger{z: zerolog.New(os.Stderr).With().Timestamp().Int(pidField, pid).Logger()}
}

// NewConsole is a human readable logger to stdout.
func NewConsole(debug bool, tag string, noColor bool) *Logger {
	setLevel(debug)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	out := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			pidField,
			zerolog.LevelFieldName,
			ownerField,
			DirectionField,
			RoomField,
			zerolog.MessageFieldName,
		},
		FieldsExclude: []string{pidField, ownerField, DirectionField, RoomField},
	}
	if noColor {
		out.FormatMessage = func(i any) string {
			if i == nil {
				return ""
			}
			return fmt.Sprint(i)
		}
	}
	z := zerolog.New(out).With().
		Str(pidField, fmt.Sprintf("%4x", pid)).
		Str(ownerField, tag).
		Str(DirectionField, " ").
		Timestamp().
		Logger()
	return &Logger{z: z}
}

// NewWriter is a JSON logger over w.
func NewWriter(w io.Writer) *Logger { return &Logger{z: zerolog.New(w).With().Timestamp().Logger()} }

func Nop() *Logger { return &Logger{z: zerolog.Nop()} }

// Default is the zerolog global logger.
func Default() *Logger { return &Logger{z: log.Logger} }

// IsDebug is true when debug lines are written.
func (l *Logger) IsDebug() bool {
	lvl := l.z.GetLevel()
	if g := zerolog.GlobalLevel(); g > lvl {
		lvl = g
	}
	return lvl <= zerolog.DebugLevel
}

func (l *Logger) With() zerolog.Context { return l.z.With() }

// Extend makes a child logger from a context of this one.
func (l *Logger) Extend(ctx zerolog.Context) *Logger { return &Logger{z: ctx.Logger()} }

// Tagged is a child logger with one more string field.
func (l *Logger) Tagged(key, value string) *Logger { return l.Extend(l.z.With().Str(key, value)) }

func (l *Logger) Trace() *zerolog.Event { return l.z.Trace() }
func (l *Logger) Debug() *zerolog.Event { return l.z.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.z.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.z.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.z.Error() }

// Fatal exits the process after the message is written.
func (l *Logger) Fatal() *zerolog.Event { return l.z.Fatal() }
