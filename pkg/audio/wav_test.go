package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/callways/trunkline/pkg/audio"
)

func TestStripWAV_RoundTrip(t *testing.T) {
	pcm := samplesToBytes([]int16{0, 1000, -1000, 32767, -32768})
	wav := audio.WrapWAV(pcm, 16000)

	data, info, err := audio.StripWAV(wav)
	if err != nil {
		t.Fatalf("StripWAV: %v", err)
	}
	if !bytes.Equal(data, pcm) {
		t.Errorf("payload mismatch: got %d bytes, want %d", len(data), len(pcm))
	}
	if info.SampleRate != 16000 {
		t.Errorf("sample rate: got %d, want 16000", info.SampleRate)
	}
	if info.Channels != 1 {
		t.Errorf("channels: got %d, want 1", info.Channels)
	}
	if info.BitsPerSample != 16 {
		t.Errorf("bits per sample: got %d, want 16", info.BitsPerSample)
	}
}

func TestStripWAV_RawPCM(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600, 700, 800})
	_, _, err := audio.StripWAV(pcm)
	if !errors.Is(err, audio.ErrNotWAV) {
		t.Fatalf("expected ErrNotWAV, got %v", err)
	}
}

func TestStripWAV_SkipsExtraChunks(t *testing.T) {
	// Some encoders place LIST or fact chunks between fmt and data. The
	// walker must skip them, including the pad byte after odd-sized chunks.
	pcm := samplesToBytes([]int16{1, 2, 3, 4})
	base := audio.WrapWAV(pcm, 8000)

	var buf bytes.Buffer
	buf.Write(base[:36]) // RIFF header + fmt chunk
	buf.WriteString("LIST")
	extra := []byte{0xDE, 0xAD, 0xBE} // odd size forces padding
	binary.Write(&buf, binary.LittleEndian, uint32(len(extra)))
	buf.Write(extra)
	buf.WriteByte(0) // pad
	buf.Write(base[36:])

	wav := buf.Bytes()
	binary.LittleEndian.PutUint32(wav[4:8], uint32(len(wav)-8))

	data, info, err := audio.StripWAV(wav)
	if err != nil {
		t.Fatalf("StripWAV: %v", err)
	}
	if !bytes.Equal(data, pcm) {
		t.Errorf("payload mismatch after extra chunk")
	}
	if info.SampleRate != 8000 {
		t.Errorf("sample rate: got %d, want 8000", info.SampleRate)
	}
}

func TestStripWAV_Truncated(t *testing.T) {
	pcm := samplesToBytes([]int16{1, 2, 3, 4})
	wav := audio.WrapWAV(pcm, 8000)

	// Header claims more data than present; the walker clamps to the buffer.
	short := wav[:len(wav)-4]
	data, _, err := audio.StripWAV(short)
	if err != nil {
		t.Fatalf("StripWAV: %v", err)
	}
	if len(data) != len(pcm)-4 {
		t.Errorf("got %d bytes, want %d", len(data), len(pcm)-4)
	}
}

func TestStripWAV_MissingData(t *testing.T) {
	wav := audio.WrapWAV(nil, 8000)[:36] // RIFF + fmt only
	_, _, err := audio.StripWAV(wav)
	if err == nil {
		t.Fatal("expected error for container without data chunk")
	}
}
