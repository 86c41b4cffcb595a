package engine

import (
	"io"
	"os"
)

// defaultLogWriter is where New writes diagnostics when the caller
// doesn't supply its own *slog.Logger.
func defaultLogWriter() io.Writer {
	return os.Stderr
}
