// Package logging wires up the coordinator's structured logger: a
// logiface front-end backed by stumpy's zero-alloc JSON writer.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured logger type shared across every component.
type Logger = logiface.Logger[*stumpy.Event]

// New builds a Logger writing newline-delimited JSON to w (os.Stderr if
// nil), at the given minimum level ("debug", "info", "warning", "error",
// case-insensitive; unrecognized values default to info).
func New(w io.Writer, level string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(),
		stumpy.L.WithWriter(logiface.WriterFunc[*stumpy.Event](func(e *stumpy.Event) error {
			_, err := w.Write(e.Bytes())
			return err
		})),
		stumpy.L.WithLevel(parseLevel(level)),
	)
}

func parseLevel(level string) logiface.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logiface.LevelTrace
	case "debug":
		return logiface.LevelDebug
	case "notice":
		return logiface.LevelNotice
	case "warning", "warn":
		return logiface.LevelWarning
	case "error", "err":
		return logiface.LevelError
	case "critical", "crit":
		return logiface.LevelCritical
	default:
		return logiface.LevelInformational
	}
}
