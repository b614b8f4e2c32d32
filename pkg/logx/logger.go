package logx

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func init() {
	zerolog.TimeFieldFormat = timeLayout
	zerolog.ErrorFieldName = "err"
	zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
		return filepath.Base(file) + ":" + strconv.Itoa(line)
	}
}

// Logger writes structured events. It is cheap to copy.
type Logger struct {
	sink   func() zerolog.Logger // nil discards
	fields []Field
}

// Nop discards everything.
func Nop() Logger { return Logger{} }

// NewConsole logs human-readable lines to stdout, for use before the config
// is loaded.
func NewConsole(level string) Logger {
	return fixed(build(consoleWriter(os.Stdout), level, LevelInfo))
}

// New writes JSON lines to w.
func New(w io.Writer, level string) Logger {
	return fixed(build(w, level, LevelDebug))
}

func fixed(zl zerolog.Logger) Logger {
	return Logger{sink: func() zerolog.Logger { return zl }}
}

// Enabled reports whether an event at level would be written.
func (l Logger) Enabled(level Level) bool {
	if l.sink == nil {
		return false
	}
	zl := l.sink()
	return level >= zl.GetLevel()
}

// With returns a copy that adds fields to every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(l.fields[:len(l.fields):len(l.fields)], fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.write(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.write(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(LevelError, msg, fields) }

func (l Logger) write(level Level, msg string, fields []Field) {
	if l.sink == nil {
		return
	}
	zl := l.sink()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// Two frames up: write, then the level method.
	e.Caller(2)
	for _, group := range [2][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

func build(w io.Writer, level string, def Level) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level, def)).With().Timestamp().Logger()
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeLayout,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

// parseLevel accepts zerolog's names in any case plus "warning".
func parseLevel(s string, def Level) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return def
	}
	return lvl
}
