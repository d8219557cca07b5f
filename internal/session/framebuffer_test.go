package session

import (
	"bytes"
	"testing"
)

func TestFrameBuffer_PushDrainOrder(t *testing.T) {
	t.Parallel()

	b := NewFrameBuffer(10)
	for _, v := range []byte{1, 2, 3} {
		b.Push([]byte{v})
	}
	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}

	frames := b.Drain()
	if len(frames) != 3 {
		t.Fatalf("Drain() returned %d frames, want 3", len(frames))
	}
	for i, want := range []byte{1, 2, 3} {
		if !bytes.Equal(frames[i], []byte{want}) {
			t.Errorf("frame %d = %v, want [%d]", i, frames[i], want)
		}
	}

	if b.Len() != 0 {
		t.Errorf("Len() after Drain = %d, want 0", b.Len())
	}
	if got := b.Drain(); len(got) != 0 {
		t.Errorf("second Drain() returned %d frames, want 0", len(got))
	}
}

func TestFrameBuffer_DropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	b := NewFrameBuffer(3)
	for _, v := range []byte{1, 2, 3, 4, 5} {
		b.Push([]byte{v})
	}

	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want capacity 3", b.Len())
	}
	if b.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", b.Dropped())
	}

	frames := b.Drain()
	for i, want := range []byte{3, 4, 5} {
		if !bytes.Equal(frames[i], []byte{want}) {
			t.Errorf("frame %d = %v, want [%d] (oldest evicted first)", i, frames[i], want)
		}
	}
}

func TestFrameBuffer_DefaultCapacity(t *testing.T) {
	t.Parallel()

	b := NewFrameBuffer(0)
	if b.capacity != DefaultFrameCapacity {
		t.Errorf("capacity = %d, want %d", b.capacity, DefaultFrameCapacity)
	}
}
