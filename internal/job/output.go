package job

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
)

// MaxCapturedOutput bounds the output kept in a run's history entry.
const MaxCapturedOutput = 256 << 10

const truncatedMarker = "\n[output truncated]\n"

// captureWriter keeps a bounded copy of everything written and forwards it
// to an optional sink. Sink failures never fail the writer.
type captureWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	truncated bool

	sink       io.Writer
	sinkFailed atomic.Bool
	onSinkErr  func(error)
}

func newCaptureWriter(sink io.Writer, onSinkErr func(error)) *captureWriter {
	return &captureWriter{sink: sink, onSinkErr: onSinkErr}
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if room := MaxCapturedOutput - w.buf.Len(); room > 0 {
		if len(p) <= room {
			w.buf.Write(p)
		} else {
			w.buf.Write(p[:room])
			w.truncated = true
		}
	} else if len(p) > 0 {
		w.truncated = true
	}
	w.mu.Unlock()

	if w.sink != nil && !w.sinkFailed.Load() {
		if _, err := w.sink.Write(p); err != nil {
			// Report once, then stop forwarding for this run.
			if w.sinkFailed.CompareAndSwap(false, true) && w.onSinkErr != nil {
				w.onSinkErr(err)
			}
		}
	}
	return len(p), nil
}

func (w *captureWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.truncated {
		return w.buf.String() + truncatedMarker
	}
	return w.buf.String()
}
