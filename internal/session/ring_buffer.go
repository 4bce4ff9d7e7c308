package session

import "sync"

// RingBuffer is a fixed-capacity circular buffer of output chunks. It is a
// Sink; a session's router also writes to it directly as it publishes.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []OutputChunk
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = defaultHistorySize
	}
	return &RingBuffer{
		buf:      make([]OutputChunk, capacity),
		capacity: capacity,
	}
}

// Accept adds a chunk, overwriting the oldest one when full.
func (rb *RingBuffer) Accept(chunk OutputChunk) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = chunk
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
	return nil
}

// Len returns the number of retained chunks.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.full {
		return rb.capacity
	}
	return rb.pos
}

// ReadAll returns all chunks in the buffer in arrival order.
func (rb *RingBuffer) ReadAll() []OutputChunk {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]OutputChunk, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]OutputChunk, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}
