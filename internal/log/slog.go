package log

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type logHandler struct {
	slog *slog.Logger
}

// New returns a Modular logger writing human readable lines to w at the
// given verbosity, one of "INFO" or "DEBUG" (case insensitive).
func New(w io.Writer, verbosity string) (Modular, error) {
	var level slog.Level
	switch strings.ToUpper(verbosity) {
	case "", "INFO":
		level = slog.LevelInfo
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("log verbosity '%v' not recognised", verbosity)
	}
	return &logHandler{
		slog: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})),
	}, nil
}

// Wrap an existing slog logger in a Modular implementation.
func Wrap(l *slog.Logger) Modular {
	return &logHandler{slog: l}
}

// Noop returns a logger that discards everything, useful for tests.
func Noop() Modular {
	return &logHandler{slog: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func (l *logHandler) With(keyValues ...any) Modular {
	c := l.clone()
	c.slog = l.slog.With(keyValues...)
	return c
}

func (l *logHandler) Errorf(format string, v ...any) {
	l.slog.Error(fmt.Sprintf(format, v...))
}

func (l *logHandler) Warnf(format string, v ...any) {
	l.slog.Warn(fmt.Sprintf(format, v...))
}

func (l *logHandler) Infof(format string, v ...any) {
	l.slog.Info(fmt.Sprintf(format, v...))
}

func (l *logHandler) Debugf(format string, v ...any) {
	l.slog.Debug(fmt.Sprintf(format, v...))
}

func (l *logHandler) clone() *logHandler {
	c := *l
	return &c
}
