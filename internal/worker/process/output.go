package process

import (
	"sync"
	"unicode/utf8"
)

// outputWriter forwards what a process writes to one of its streams. An
// incomplete UTF-8 sequence at the end of a write is held back until the
// rest of it arrives, so a multi-byte character never straddles two chunks.
type outputWriter struct {
	stream   Stream
	onOutput func(Stream, []byte)

	mu      sync.Mutex
	pending []byte
}

func newOutputWriter(stream Stream, onOutput func(Stream, []byte)) *outputWriter {
	return &outputWriter{stream: stream, onOutput: onOutput}
}

func (w *outputWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := make([]byte, 0, len(w.pending)+len(p))
	buf = append(buf, w.pending...)
	buf = append(buf, p...)

	cut := completePrefix(buf)
	w.pending = append(w.pending[:0], buf[cut:]...)
	if cut > 0 && w.onOutput != nil {
		w.onOutput(w.stream, buf[:cut])
	}
	return len(p), nil
}

// flush emits whatever is still held back. Called once the stream is closed.
func (w *outputWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return
	}
	chunk := append([]byte(nil), w.pending...)
	w.pending = w.pending[:0]
	if w.onOutput != nil {
		w.onOutput(w.stream, chunk)
	}
}

// completePrefix returns the length of b without a trailing truncated rune.
// Bytes that can never start a valid rune count as complete.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}
