package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/callways/trunkline/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestDownsampleHalf_KernelValues(t *testing.T) {
	// Constant 600 input. Interior taps average to 600; edge taps read one
	// zero sample and come out at 500.
	pcm := samplesToBytes([]int16{600, 600, 600, 600, 600, 600})
	got := bytesToSamples(audio.DownsampleHalf(pcm))
	want := []int16{500, 600, 500}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDownsampleHalf_OutputCount(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3, 5, 8, 160, 321} {
		pcm := make([]byte, n*2)
		out := audio.DownsampleHalf(pcm)
		if want := (n / 2) * 2; len(out) != want {
			t.Errorf("n=%d: got %d output bytes, want %d", n, len(out), want)
		}
	}
}

func TestDownsampleHalf_FullScale(t *testing.T) {
	// Full-scale input must stay in range; the kernel weights sum to the
	// divisor, so interior samples pass through unchanged.
	pcm := samplesToBytes([]int16{32767, 32767, 32767, 32767, 32767, 32767})
	got := bytesToSamples(audio.DownsampleHalf(pcm))
	if got[1] != 32767 {
		t.Errorf("interior sample: got %d, want 32767", got[1])
	}
	for i, s := range got {
		if s < 0 {
			t.Errorf("sample %d wrapped negative: %d", i, s)
		}
	}

	neg := samplesToBytes([]int16{-32768, -32768, -32768, -32768, -32768, -32768})
	gotNeg := bytesToSamples(audio.DownsampleHalf(neg))
	if gotNeg[1] != -32768 {
		t.Errorf("interior sample: got %d, want -32768", gotNeg[1])
	}
}

func TestDownsampleHalf_Empty(t *testing.T) {
	if out := audio.DownsampleHalf(nil); out != nil {
		t.Errorf("nil input: got %d bytes, want nil", len(out))
	}
	if out := audio.DownsampleHalf(samplesToBytes([]int16{42})); out != nil {
		t.Errorf("single sample: got %d bytes, want nil", len(out))
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 8000, 8000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	// 2 samples at 8kHz should become 4 samples at 16kHz.
	pcm := samplesToBytes([]int16{1000, 2000})
	got := bytesToSamples(audio.ResampleMono16(pcm, 8000, 16000))
	if len(got) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}
