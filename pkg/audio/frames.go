package audio

import "github.com/callways/trunkline/pkg/types"

// SilenceByte returns the code for digital silence in the given encoding.
// Linear PCM silence is 0x00; mu-law encodes the zero sample as 0xFF.
func SilenceByte(encoding string) byte {
	if encoding == types.EncodingMulaw {
		return 0xFF
	}
	return 0x00
}

// SilenceFrame allocates one frame of digital silence of n bytes.
func SilenceFrame(n int, encoding string) []byte {
	frame := make([]byte, n)
	if b := SilenceByte(encoding); b != 0 {
		for i := range frame {
			frame[i] = b
		}
	}
	return frame
}

// Framer slices an incoming byte stream into fixed-size frames. Synthesis
// chunks arrive at arbitrary sizes; the PBX wants exact frames, so the
// remainder of each push carries over to the next. Flush pads whatever is
// left with silence so no tail audio is dropped.
//
// Framer is not safe for concurrent use; each playback stream owns one.
type Framer struct {
	frameBytes int
	pad        byte
	buf        []byte
}

// NewFramer returns a Framer producing frames of frameBytes, padding the
// final partial frame with pad.
func NewFramer(frameBytes int, pad byte) *Framer {
	return &Framer{frameBytes: frameBytes, pad: pad}
}

// Push appends p to the pending buffer.
func (f *Framer) Push(p []byte) {
	f.buf = append(f.buf, p...)
}

// Next pops one full frame, or returns false when fewer than frameBytes
// are buffered. The returned slice is owned by the caller.
func (f *Framer) Next() ([]byte, bool) {
	if len(f.buf) < f.frameBytes {
		return nil, false
	}
	frame := make([]byte, f.frameBytes)
	copy(frame, f.buf[:f.frameBytes])
	f.buf = f.buf[f.frameBytes:]
	return frame, true
}

// Flush pads the remaining partial frame with silence and returns it, or
// returns false when the buffer is empty. Call after the source stream
// ends; full frames must be drained with Next first.
func (f *Framer) Flush() ([]byte, bool) {
	if len(f.buf) == 0 {
		return nil, false
	}
	frame := make([]byte, f.frameBytes)
	n := copy(frame, f.buf)
	for i := n; i < f.frameBytes; i++ {
		frame[i] = f.pad
	}
	f.buf = f.buf[:0]
	return frame, true
}

// Buffered reports the number of bytes awaiting framing.
func (f *Framer) Buffered() int {
	return len(f.buf)
}
