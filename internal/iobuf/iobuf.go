// Package iobuf provides a bounded contiguous FIFO byte buffer.
//
// The capacity is a soft bound: Add always succeeds and reports whether the
// buffer overflowed. Callers that care about the bound check Space first.
package iobuf

// Buffer is a FIFO byte queue with a configured capacity.
type Buffer struct {
	capacity int
	data     []byte
}

// New returns an empty buffer with the given capacity.
func New(capacity int) *Buffer {
	return &Buffer{capacity: capacity}
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Space returns the number of bytes that fit without overflowing.
func (b *Buffer) Space() int {
	if n := b.capacity - len(b.data); n > 0 {
		return n
	}
	return 0
}

// Cap returns the configured capacity.
func (b *Buffer) Cap() int {
	return b.capacity
}

// Add appends data to the back of the buffer. It reports false when the
// buffer exceeds its capacity as a result; the data is kept regardless.
func (b *Buffer) Add(data []byte) bool {
	b.data = append(b.data, data...)
	return len(b.data) <= b.capacity
}

// Get removes and returns up to n bytes from the front of the buffer.
// The returned slice is owned by the caller.
func (b *Buffer) Get(n int) []byte {
	if n > len(b.data) {
		n = len(b.data)
	}
	if n <= 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b.data[:n])
	b.data = b.data[:copy(b.data, b.data[n:])]
	return out
}

// Peek returns the buffered bytes without consuming them. The slice is only
// valid until the next mutating call.
func (b *Buffer) Peek() []byte {
	return b.data
}

// PushFront puts data back at the front of the buffer, before any bytes
// already queued. Used to unget an incompletely framed message.
func (b *Buffer) PushFront(data []byte) {
	if len(data) == 0 {
		return
	}
	merged := make([]byte, 0, len(data)+len(b.data))
	merged = append(merged, data...)
	merged = append(merged, b.data...)
	b.data = merged
}

// Reset discards all buffered bytes.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}
