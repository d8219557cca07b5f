package whisper

import (
	"encoding/binary"
	"testing"
)

func TestPcmToFloat32_Values(t *testing.T) {
	pcm := make([]byte, 8)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(int16(0)))
	binary.LittleEndian.PutUint16(pcm[2:], uint16(int16(16384)))
	binary.LittleEndian.PutUint16(pcm[4:], uint16(int16(-16384)))
	binary.LittleEndian.PutUint16(pcm[6:], uint16(int16(-32768)))

	got := pcmToFloat32(pcm)
	want := []float32{0, 0.5, -0.5, -1.0}
	if len(got) != len(want) {
		t.Fatalf("length: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}
}

func TestPcmToFloat32_OddTrailingByteIgnored(t *testing.T) {
	pcm := []byte{0x00, 0x40, 0x7F}
	// 3 bytes: only 1 complete sample, the trailing byte is ignored.
	got := pcmToFloat32(pcm)
	if len(got) != 1 {
		t.Fatalf("length: got %d, want 1", len(got))
	}
}

func TestPcmToFloat32Mono_AveragesChannels(t *testing.T) {
	// One frame of 2-channel audio: L=16384, R=-16384. Average is 0.
	pcm := make([]byte, 4)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(int16(16384)))
	binary.LittleEndian.PutUint16(pcm[2:], uint16(int16(-16384)))

	got := pcmToFloat32Mono(pcm, 2)
	if len(got) != 1 {
		t.Fatalf("length: got %d, want 1", len(got))
	}
	if got[0] != 0 {
		t.Errorf("averaged sample: got %f, want 0", got[0])
	}
}
