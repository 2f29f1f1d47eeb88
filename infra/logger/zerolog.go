// Package logger implements core/logger on top of zerolog.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	corelogger "github.com/kilianp07/cpsim/core/logger"
)

type Logger = corelogger.Logger

// Settings select the process-wide level and output format. APP_ENV=dev and
// LOG_LEVEL, when set, take precedence.
type Settings struct {
	Level   string
	Console bool
}

var (
	mu       sync.RWMutex
	settings = Settings{Level: "info"}
)

var output io.Writer = os.Stdout

// Setup replaces the settings used by loggers created afterwards.
func Setup(s Settings) {
	mu.Lock()
	settings = s
	mu.Unlock()
}

func current() Settings {
	mu.RLock()
	s := settings
	mu.RUnlock()
	if strings.EqualFold(os.Getenv("APP_ENV"), "dev") {
		s.Console = true
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		s.Level = lvl
	}
	return s
}

// New returns a Logger tagging every line with component.
func New(component string) Logger {
	s := current()
	var out io.Writer = output
	if s.Console {
		out = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	return newZerolog(out, component, s.Level)
}

// NewWithWriter builds a JSON logger writing to w, for tests and tools.
func NewWithWriter(w io.Writer, component string) Logger {
	return newZerolog(w, component, current().Level)
}

func newZerolog(w io.Writer, component, level string) Logger {
	z := zerolog.New(w).With().Timestamp().Str("component", component).Logger()
	if lvl, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil && lvl != zerolog.NoLevel {
		z = z.Level(lvl)
	}
	return &zerologLogger{log: z}
}

type zerologLogger struct {
	log zerolog.Logger
}

func (l *zerologLogger) Debugf(format string, args ...any) { l.log.Debug().Msgf(format, args...) }

func (l *zerologLogger) Debugw(msg string, fields map[string]any) {
	l.log.Debug().Fields(fields).Msg(msg)
}

func (l *zerologLogger) Infof(format string, args ...any)  { l.log.Info().Msgf(format, args...) }
func (l *zerologLogger) Warnf(format string, args ...any)  { l.log.Warn().Msgf(format, args...) }
func (l *zerologLogger) Errorf(format string, args ...any) { l.log.Error().Msgf(format, args...) }

// With returns a child logger carrying the extra field, typically session_id.
func (l *zerologLogger) With(key string, value any) Logger {
	return &zerologLogger{log: l.log.With().Interface(key, value).Logger()}
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...any)         {}
func (NopLogger) Debugw(string, map[string]any) {}
func (NopLogger) Infof(string, ...any)          {}
func (NopLogger) Warnf(string, ...any)          {}
func (NopLogger) Errorf(string, ...any)         {}
func (n NopLogger) With(string, any) Logger     { return n }
