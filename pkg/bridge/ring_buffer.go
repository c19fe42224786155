package bridge

import "sync"

// TailBuffer is a thread-safe fixed-size circular byte buffer that keeps the
// most recent bytes written to it. It captures child process stderr.
type TailBuffer struct {
	mu       sync.Mutex
	buf      []byte
	head     int // index of the oldest byte
	size     int
	capacity int
	total    int64
}

// NewTailBuffer creates a buffer keeping the last capacity bytes
func NewTailBuffer(capacity int) *TailBuffer {
	if capacity <= 0 {
		capacity = 4096
	}
	return &TailBuffer{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends p, evicting the oldest bytes when full. It never fails.
func (tb *TailBuffer) Write(p []byte) (int, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	n := len(p)
	tb.total += int64(n)
	if n >= tb.capacity {
		copy(tb.buf, p[n-tb.capacity:])
		tb.head = 0
		tb.size = tb.capacity
		return n, nil
	}

	for _, b := range p {
		tail := (tb.head + tb.size) % tb.capacity
		tb.buf[tail] = b
		if tb.size < tb.capacity {
			tb.size++
		} else {
			tb.head = (tb.head + 1) % tb.capacity
		}
	}
	return n, nil
}

// Bytes returns the retained bytes from oldest to newest
func (tb *TailBuffer) Bytes() []byte {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	out := make([]byte, 0, tb.size)
	for i := 0; i < tb.size; i++ {
		out = append(out, tb.buf[(tb.head+i)%tb.capacity])
	}
	return out
}

// String returns the retained bytes as a string
func (tb *TailBuffer) String() string {
	return string(tb.Bytes())
}

// Total returns how many bytes were written overall
func (tb *TailBuffer) Total() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.total
}
