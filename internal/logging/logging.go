// Package logging configures the process-wide structured logger used
// throughout the serving pipeline.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// LevelTrace is a level below slog.LevelDebug for very chatty
// scheduler/queue bookkeeping that would otherwise drown out debug logs.
const LevelTrace slog.Level = -8

// NewLogger builds a text-handler slog.Logger the way the rest of this
// core expects: source-annotated, with trace-level support, and with
// the source file path trimmed to its base name.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				if lvl, ok := attr.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					attr.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				if source, ok := attr.Value.Any().(*slog.Source); ok {
					source.File = filepath.Base(source.File)
				}
			}
			return attr
		},
	}))
}

// Init installs a default logger on slog.SetDefault, honoring debug.
func Init(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(NewLogger(os.Stderr, level))
}
