package logging

import (
	"io"
	"log/slog"

	"github.com/lmittmann/tint"
)

// newTintHandler builds a colorized text handler. Color is left on
// unconditionally here; tint auto-detects non-TTY writers (e.g. when stderr
// is redirected to a file) and degrades gracefully on its own in recent
// versions, matching how brokle wires it for its CLI-facing text format.
func newTintHandler(w io.Writer, level slog.Level) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "[15:04:05]",
	})
}
