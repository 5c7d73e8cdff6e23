package rtp

import "sync"

// DefaultMaxBuffer is the default ring buffer capacity in bytes. At 16 kHz
// 16-bit mono this holds roughly 1.6 seconds of audio.
const DefaultMaxBuffer = 51200

// RingBuffer is a bounded FIFO of raw audio bytes. Appending past the
// capacity evicts the oldest bytes first; reads are non-blocking and return
// whatever is available, up to the requested count. Producers never wait.
//
// Safe for concurrent use by one producer and one consumer (or more).
type RingBuffer struct {
	mu   sync.Mutex
	buf  []byte
	max  int
}

// NewRingBuffer creates a RingBuffer with the given capacity in bytes.
// A non-positive max falls back to DefaultMaxBuffer.
func NewRingBuffer(max int) *RingBuffer {
	if max <= 0 {
		max = DefaultMaxBuffer
	}
	return &RingBuffer{max: max}
}

// Append adds data to the buffer, evicting the oldest bytes when the result
// would exceed the capacity.
func (b *RingBuffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(data) >= b.max {
		// The chunk alone fills the buffer; keep only its tail.
		b.buf = append(b.buf[:0], data[len(data)-b.max:]...)
		return
	}
	if excess := len(b.buf) + len(data) - b.max; excess > 0 {
		b.buf = b.buf[:copy(b.buf, b.buf[excess:])]
	}
	b.buf = append(b.buf, data...)
}

// Read removes and returns up to n bytes from the front of the buffer.
// It never blocks; when the buffer is empty it returns a nil slice.
func (b *RingBuffer) Read(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.buf) == 0 || n <= 0 {
		return nil
	}
	if n > len(b.buf) {
		n = len(b.buf)
	}
	out := make([]byte, n)
	copy(out, b.buf[:n])
	b.buf = b.buf[:copy(b.buf, b.buf[n:])]
	return out
}

// Len returns the number of buffered bytes.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Clear discards all buffered bytes.
func (b *RingBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = b.buf[:0]
}
