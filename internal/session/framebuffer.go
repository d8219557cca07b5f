package session

import "sync"

// DefaultFrameCapacity bounds the pre-open audio buffer: 400 frames of
// 20 ms audio, eight seconds of speech.
const DefaultFrameCapacity = 400

// FrameBuffer is a bounded FIFO for audio frames that arrive before the
// recognition socket is open or between reconnect attempts. When full, the
// oldest frames are dropped: for live speech, recent audio is worth more
// than stale audio.
//
// All methods are safe for concurrent use.
type FrameBuffer struct {
	mu       sync.Mutex
	frames   [][]byte
	capacity int
	dropped  int
}

// NewFrameBuffer creates a buffer retaining at most capacity frames.
// A non-positive capacity falls back to [DefaultFrameCapacity].
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity <= 0 {
		capacity = DefaultFrameCapacity
	}
	return &FrameBuffer{
		frames:   make([][]byte, 0, capacity),
		capacity: capacity,
	}
}

// Push appends a frame, evicting the oldest frames if the buffer is full.
func (b *FrameBuffer) Push(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) >= b.capacity {
		over := len(b.frames) - b.capacity + 1
		keep := b.frames[over:]

		// Copy to a fresh slice so evicted frames can be garbage collected.
		fresh := make([][]byte, len(keep), b.capacity)
		copy(fresh, keep)
		b.frames = fresh
		b.dropped += over
	}
	b.frames = append(b.frames, frame)
}

// Drain removes and returns all buffered frames in arrival order.
func (b *FrameBuffer) Drain() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.frames
	b.frames = make([][]byte, 0, b.capacity)
	return out
}

// Len returns the number of buffered frames.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Dropped returns how many frames have been evicted since creation.
func (b *FrameBuffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
