package audio_test

import (
	"bytes"
	"testing"

	"github.com/callways/trunkline/pkg/audio"
	"github.com/callways/trunkline/pkg/types"
)

func TestSilenceFrame(t *testing.T) {
	linear := audio.SilenceFrame(320, types.EncodingLinear16)
	if len(linear) != 320 {
		t.Fatalf("linear frame: got %d bytes, want 320", len(linear))
	}
	for i, b := range linear {
		if b != 0x00 {
			t.Fatalf("linear byte %d: got %#02x, want 0x00", i, b)
		}
	}

	mulaw := audio.SilenceFrame(160, types.EncodingMulaw)
	if len(mulaw) != 160 {
		t.Fatalf("mulaw frame: got %d bytes, want 160", len(mulaw))
	}
	for i, b := range mulaw {
		if b != 0xFF {
			t.Fatalf("mulaw byte %d: got %#02x, want 0xFF", i, b)
		}
	}
}

func TestFramer_ExactFrames(t *testing.T) {
	f := audio.NewFramer(4, 0x00)
	f.Push([]byte{1, 2, 3, 4, 5, 6, 7, 8})

	first, ok := f.Next()
	if !ok || !bytes.Equal(first, []byte{1, 2, 3, 4}) {
		t.Fatalf("first frame: got %v ok=%v", first, ok)
	}
	second, ok := f.Next()
	if !ok || !bytes.Equal(second, []byte{5, 6, 7, 8}) {
		t.Fatalf("second frame: got %v ok=%v", second, ok)
	}
	if _, ok := f.Next(); ok {
		t.Fatal("expected no third frame")
	}
	if _, ok := f.Flush(); ok {
		t.Fatal("expected empty flush after exact frames")
	}
}

func TestFramer_CarriesRemainder(t *testing.T) {
	f := audio.NewFramer(4, 0x00)

	// Pushes never align with frame boundaries; bytes must carry over.
	f.Push([]byte{1, 2, 3})
	if _, ok := f.Next(); ok {
		t.Fatal("3 buffered bytes should not yield a 4-byte frame")
	}
	f.Push([]byte{4, 5})

	frame, ok := f.Next()
	if !ok || !bytes.Equal(frame, []byte{1, 2, 3, 4}) {
		t.Fatalf("frame: got %v ok=%v", frame, ok)
	}
	if f.Buffered() != 1 {
		t.Fatalf("buffered: got %d, want 1", f.Buffered())
	}
}

func TestFramer_FlushPads(t *testing.T) {
	f := audio.NewFramer(4, 0xFF)
	f.Push([]byte{9, 8})

	frame, ok := f.Flush()
	if !ok {
		t.Fatal("expected a padded frame")
	}
	if !bytes.Equal(frame, []byte{9, 8, 0xFF, 0xFF}) {
		t.Fatalf("padded frame: got %v", frame)
	}
	if f.Buffered() != 0 {
		t.Fatalf("buffered after flush: got %d, want 0", f.Buffered())
	}
}
