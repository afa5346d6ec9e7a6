package acp

import "sync"

// tailBuffer keeps the most recent bytes written to it, overwriting the
// oldest once full. It is safe for concurrent use.
type tailBuffer struct {
	mu       sync.Mutex
	buf      []byte
	writePos int
	written  int64
}

func newTailBuffer(capacity int) *tailBuffer {
	if capacity <= 0 {
		capacity = stderrTailLimit
	}
	return &tailBuffer{buf: make([]byte, capacity)}
}

// Write implements io.Writer.
func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	size := len(t.buf)
	t.written += int64(n)
	if n >= size {
		copy(t.buf, p[n-size:])
		t.writePos = 0
		return n, nil
	}

	first := copy(t.buf[t.writePos:], p)
	if first < n {
		copy(t.buf, p[first:])
	}
	t.writePos = (t.writePos + n) % size
	return n, nil
}

// String returns the buffered bytes oldest first.
func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := len(t.buf)
	if t.written <= int64(size) {
		return string(t.buf[:t.written])
	}
	out := make([]byte, 0, size)
	out = append(out, t.buf[t.writePos:]...)
	out = append(out, t.buf[:t.writePos]...)
	return string(out)
}

// Truncated reports whether older output has been discarded.
func (t *tailBuffer) Truncated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written > int64(len(t.buf))
}
