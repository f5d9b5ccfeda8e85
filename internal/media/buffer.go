package media

import (
	"sync"
)

// RingBuffer is a thread-safe byte ring buffer. The monitor sink uses it
// to bridge paced slot delivery to the audio device's pull-based reader.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	head  int
	count int
}

// NewRingBuffer creates a ring buffer holding up to size bytes.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{buf: make([]byte, size)}
}

// Write appends data, returning the number of bytes accepted. Data past
// the remaining capacity is discarded.
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(data)
	if free := len(rb.buf) - rb.count; n > free {
		n = free
	}
	tail := (rb.head + rb.count) % len(rb.buf)
	copied := copy(rb.buf[tail:], data[:n])
	copy(rb.buf, data[copied:n])
	rb.count += n
	return n
}

// Read fills data with buffered bytes, returning how many were read.
func (rb *RingBuffer) Read(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(data)
	if n > rb.count {
		n = rb.count
	}
	copied := copy(data[:n], rb.buf[rb.head:])
	copy(data[copied:n], rb.buf)
	rb.head = (rb.head + n) % len(rb.buf)
	rb.count -= n
	return n
}

// Available returns the number of bytes buffered for reading.
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Space returns the number of bytes that can be written without loss.
func (rb *RingBuffer) Space() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.buf) - rb.count
}

// Clear discards all buffered bytes.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.head = 0
	rb.count = 0
}

// IsEmpty reports whether no bytes are buffered.
func (rb *RingBuffer) IsEmpty() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count == 0
}

// IsFull reports whether the buffer is at capacity.
func (rb *RingBuffer) IsFull() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count == len(rb.buf)
}
