package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields represents structured logging key/value pairs.
type LogFields map[string]any

// ServiceLogger is the minimal logging contract used across the gateway. It
// maps directly onto Watermill's logging needs so applications can adapt
// their existing loggers without depending on slog.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

var logLevelMapping = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// New builds a slog.Logger writing to w (stderr when nil). format is "json"
// or "text"; level is one of debug, info, warn or error.
func New(level, format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a textual level onto slog. Unknown values fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies ServiceLogger.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("fleetgate: slog logger cannot be nil")
	}
	return NewWatermillServiceLogger(watermill.NewSlogLoggerWithLevelMapping(log, logLevelMapping))
}

// NewWatermillServiceLogger wraps an existing Watermill LoggerAdapter.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("fleetgate: watermill logger cannot be nil")
	}
	return &watermillServiceLogger{inner: logger}
}

// NewNopServiceLogger discards everything. Used by tests and by components
// constructed without a logger.
func NewNopServiceLogger() ServiceLogger {
	return &watermillServiceLogger{inner: watermill.NopLogger{}}
}

// watermillServiceLogger writes through a Watermill adapter, so gateway logs
// and broker plumbing logs share one handler.
type watermillServiceLogger struct {
	inner watermill.LoggerAdapter
}

func (w *watermillServiceLogger) With(fields LogFields) ServiceLogger {
	if wf := wmFields(fields); wf != nil {
		return &watermillServiceLogger{inner: w.inner.With(wf)}
	}
	return w
}

func (w *watermillServiceLogger) Debug(msg string, fields LogFields) {
	w.inner.Debug(msg, wmFields(fields))
}

func (w *watermillServiceLogger) Info(msg string, fields LogFields) {
	w.inner.Info(msg, wmFields(fields))
}

func (w *watermillServiceLogger) Trace(msg string, fields LogFields) {
	w.inner.Trace(msg, wmFields(fields))
}

func (w *watermillServiceLogger) Error(msg string, err error, fields LogFields) {
	w.inner.Error(msg, err, wmFields(fields))
}

// NewWatermillAdapter hands a ServiceLogger to publishers, subscribers and
// routers that expect a Watermill LoggerAdapter.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("fleetgate: ServiceLogger cannot be nil")
	}
	return brokerLogger{base: log}
}

type brokerLogger struct {
	base ServiceLogger
}

func (b brokerLogger) Error(msg string, err error, fields watermill.LogFields) {
	b.base.Error(msg, err, LogFields(fields))
}

func (b brokerLogger) Info(msg string, fields watermill.LogFields) {
	b.base.Info(msg, LogFields(fields))
}

func (b brokerLogger) Debug(msg string, fields watermill.LogFields) {
	b.base.Debug(msg, LogFields(fields))
}

func (b brokerLogger) Trace(msg string, fields watermill.LogFields) {
	b.base.Trace(msg, LogFields(fields))
}

func (b brokerLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return brokerLogger{base: b.base.With(LogFields(fields))}
}

// wmFields converts fields for Watermill, leaving out nil values such as an
// optional error that was never set. It returns nil when nothing is left.
func wmFields(fields LogFields) watermill.LogFields {
	var out watermill.LogFields
	for k, v := range fields {
		if v == nil {
			continue
		}
		if out == nil {
			out = make(watermill.LogFields, len(fields))
		}
		out[k] = v
	}
	return out
}
