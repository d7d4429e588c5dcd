// Package logger builds the slog loggers used by the clients.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/luciancaetano/surrealnet"
)

// Component is attached to every record of a logger returned by New.
const Component = "surrealnet"

var handlers = map[string]func(io.Writer, *slog.HandlerOptions) slog.Handler{
	"text": func(w io.Writer, o *slog.HandlerOptions) slog.Handler { return slog.NewTextHandler(w, o) },
	"json": func(w io.Writer, o *slog.HandlerOptions) slog.Handler { return slog.NewJSONHandler(w, o) },
}

// New builds a logger from cfg. Empty fields fall back to warn, text and
// stderr. The returned close function releases a file output and must be
// called once the logger is no longer used.
func New(cfg surrealnet.LoggerConfig) (*slog.Logger, func() error, error) {
	level, err := Level(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "text"
	}
	newHandler, ok := handlers[format]
	if !ok {
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	out, err := openSink(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}

	h := newHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("component", Component), out.Close, nil
}

// Level parses a level name as accepted by slog ("debug", "INFO",
// "warn+2"). An empty name is warn.
func Level(name string) (slog.Level, error) {
	if name == "" {
		return slog.LevelWarn, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", name)
	}
	return l, nil
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// sink is a log destination. Only file sinks have anything to close.
type sink struct {
	io.Writer
	file *os.File
}

func (s sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

func openSink(target string) (sink, error) {
	switch strings.ToLower(target) {
	case "", "stderr":
		return sink{Writer: os.Stderr}, nil
	case "stdout":
		return sink{Writer: os.Stdout}, nil
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return sink{}, err
	}
	return sink{Writer: f, file: f}, nil
}
