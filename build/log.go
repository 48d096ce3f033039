// Package build provides the small amount of process-wide plumbing every
// other package's log.go relies on: a LogWriter that fans out to both
// stdout and the rotating log file, and a NewSubLogger constructor so each
// subsystem gets its own four-letter-tagged btclog.Logger sharing one
// backend.
package build

import (
	"io"
	"os"

	"github.com/btcsuite/btclog"
)

// LogWriter is an io.Writer that writes to both standard output and the
// rotator pipe set by the daemon during startup. Until RotatorPipe is set,
// writes go to stdout only.
type LogWriter struct {
	RotatorPipe *io.PipeWriter
}

// Write writes p to both stdout and, once set, the log rotator.
func (w *LogWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if w.RotatorPipe != nil {
		return w.RotatorPipe.Write(p)
	}
	return len(p), nil
}

// NewSubLogger creates a new subsystem logger tagged with subsystem,
// backed by backend. Passing a nil backend disables logging for the
// returned logger, matching the behavior used at package init time before
// the real backend has been installed.
func NewSubLogger(subsystem string, backend *btclog.Backend) btclog.Logger {
	if backend == nil {
		return btclog.Disabled
	}
	return backend.Logger(subsystem)
}
