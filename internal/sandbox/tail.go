package sandbox

import "sync"

// DefaultOutputLimit bounds captured output per stream.
const DefaultOutputLimit = 64 * 1024

// tailBuffer keeps the last size bytes written to it. Earlier bytes are
// overwritten and Truncated reports that it happened.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	size      int
	head      int
	full      bool
	truncated bool
}

func newTailBuffer(size int) *tailBuffer {
	if size <= 0 {
		size = DefaultOutputLimit
	}
	return &tailBuffer{buf: make([]byte, size), size: size}
}

// Write implements io.Writer. It never fails.
func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.size {
		if n > b.size || b.full || b.head > 0 {
			b.truncated = true
		}
		copy(b.buf, p[n-b.size:])
		b.head = 0
		b.full = true
		return n, nil
	}
	for _, c := range p {
		if b.full {
			b.truncated = true
		}
		b.buf[b.head] = c
		b.head = (b.head + 1) % b.size
		if b.head == 0 {
			b.full = true
		}
	}
	return n, nil
}

// String returns the retained bytes in write order.
func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		return string(b.buf[:b.head])
	}
	return string(b.buf[b.head:]) + string(b.buf[:b.head])
}

// Truncated reports whether any written bytes were dropped.
func (b *tailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
