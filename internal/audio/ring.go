package audio

// RingBuffer is a bounded circular buffer for audio bytes. When full, writes
// overwrite the oldest data, which for streaming playback is preferable to
// unbounded growth.
type RingBuffer struct {
	buf   []byte
	size  int
	start int
	count int
}

// NewRingBuffer creates a ring buffer with the given max capacity in bytes.
func NewRingBuffer(maxSize int) *RingBuffer {
	return &RingBuffer{
		buf:  make([]byte, maxSize),
		size: maxSize,
	}
}

// Write appends data to the ring buffer, overwriting oldest data if full.
func (r *RingBuffer) Write(data []byte) {
	for _, b := range data {
		idx := (r.start + r.count) % r.size
		r.buf[idx] = b
		if r.count == r.size {
			r.start = (r.start + 1) % r.size
		} else {
			r.count++
		}
	}
}

// Read reads up to n bytes from the buffer, removing them.
func (r *RingBuffer) Read(n int) []byte {
	if n > r.count {
		n = r.count
	}
	if n == 0 {
		return nil
	}

	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+i)%r.size]
	}
	r.start = (r.start + n) % r.size
	r.count -= n
	return out
}

// Len returns the number of bytes currently in the buffer.
func (r *RingBuffer) Len() int {
	return r.count
}

// Clear empties the buffer.
func (r *RingBuffer) Clear() {
	r.start = 0
	r.count = 0
}
