package auditlog

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jrick/logrotate/rotator"
)

// Writer is the single append-only writer for one channel's Tick Record
// log. spec.md §5 Shared-resource policy requires exactly one writer per
// process per log; callers are expected to hold one Writer per channel and
// never share it across goroutines without the lock this type provides.
type Writer struct {
	mu sync.Mutex

	pipeWriter *io.PipeWriter
	rotator    *rotator.Rotator

	lastTickIndex uint64
	haveLast      bool
}

// NewWriter opens (creating if necessary) the append-only log at path,
// rotating it once it exceeds maxSizeKB and keeping maxRolls historical
// files; old records are never rewritten. Rotation is by size only: the
// rotator has no time-based rotation. compress is passed through as
// rotator.New's compression switch for rolled files.
func NewWriter(path string, maxSizeKB int64, compress bool, maxRolls int) (*Writer, error) {
	r, err := rotator.New(path, maxSizeKB, compress, maxRolls)
	if err != nil {
		return nil, fmt.Errorf("auditlog: opening rotator for %s: %w", path, err)
	}

	pr, pw := io.Pipe()
	go r.Run(pr)

	return &Writer{pipeWriter: pw, rotator: r}, nil
}

// Append writes one Tick Record as a single JSON line. It enforces P3: tick
// index must strictly increase for this channel.
func (w *Writer) Append(rec TickRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.haveLast && rec.TickIndex <= w.lastTickIndex {
		return fmt.Errorf("auditlog: tick index did not strictly increase: "+
			"last=%d new=%d", w.lastTickIndex, rec.TickIndex)
	}

	if rec.WallClock.IsZero() {
		rec.WallClock = time.Now()
	}
	if rec.MonotonicNote == 0 {
		rec.MonotonicNote = monotonicNanos()
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("auditlog: marshaling tick record: %w", err)
	}
	raw = append(raw, '\n')

	// io.Pipe's Write blocks until the rotator's Run goroutine has read
	// this exact payload. The rotator writes it to the current log file
	// after that, so the record may not be in the file yet when Append
	// returns, and no fsync is issued.
	if _, err := w.pipeWriter.Write(raw); err != nil {
		return fmt.Errorf("auditlog: writing tick record: %w", err)
	}

	w.lastTickIndex = rec.TickIndex
	w.haveLast = true

	log.Debugf("TickRecord(%s): appended tick=%d action=%s outcome=%s",
		rec.ChannelID, rec.TickIndex, rec.Action, rec.Outcome)

	return nil
}

// Close releases the underlying rotator resources.
func (w *Writer) Close() error {
	return w.pipeWriter.Close()
}
