package sandbox

import "sync"

// limitWriter captures up to max bytes and drops the rest, remembering
// that it did. Safe for concurrent writes since docker's stream demuxer
// and os/exec may write from separate goroutines.
type limitWriter struct {
	mu        sync.Mutex
	buf       []byte
	max       int64
	truncated bool
}

func newLimitWriter(max int64) *limitWriter {
	return &limitWriter{max: max}
}

func (w *limitWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.max <= 0 {
		w.buf = append(w.buf, p...)

		return len(p), nil
	}

	remaining := w.max - int64(len(w.buf))
	if remaining <= 0 {
		w.truncated = true

		return len(p), nil
	}

	if int64(len(p)) > remaining {
		w.buf = append(w.buf, p[:remaining]...)
		w.truncated = true
	} else {
		w.buf = append(w.buf, p...)
	}

	return len(p), nil
}

func (w *limitWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return string(w.buf)
}

func (w *limitWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.truncated
}
