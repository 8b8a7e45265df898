package debug

import (
	"bytes"
	"sync"
)

// LineWriter logs everything written to it one line at a time under a
// debug category. It is used for the stderr of tool server processes.
type LineWriter struct {
	category string
	msg      string
	args     []any

	mu  sync.Mutex
	buf []byte
}

// NewLineWriter creates a LineWriter. Each line is logged as msg with the
// given attributes plus a "line" attribute.
func NewLineWriter(category, msg string, args ...any) *LineWriter {
	return &LineWriter{category: category, msg: msg, args: args}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	Log(w.category, w.msg, append(append([]any{}, w.args...), "line", string(line))...)
}
