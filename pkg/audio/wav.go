package audio

import (
	"encoding/binary"
	"errors"
)

// WAVInfo holds the format metadata extracted from a RIFF/WAVE header.
type WAVInfo struct {
	// SampleRate is samples per second from the fmt sub-chunk.
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int

	// BitsPerSample is the PCM sample width, normally 16.
	BitsPerSample int
}

// ErrNotWAV is returned by [StripWAV] when the input does not begin with a
// RIFF/WAVE header. Callers treating headerless input as raw PCM should
// test for it with errors.Is.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE container")

// StripWAV isolates the PCM payload of a RIFF/WAVE container by walking the
// chunk list to the `data` sub-chunk. The fmt sub-chunk is parsed for the
// sample rate and channel count. TTS vendors wrap batch responses this way;
// streaming vendors send raw PCM, for which StripWAV returns [ErrNotWAV]
// and the caller uses the bytes as-is.
//
// The returned slice aliases wav; callers must not retain wav while
// mutating the result.
func StripWAV(wav []byte) ([]byte, WAVInfo, error) {
	var info WAVInfo

	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, info, ErrNotWAV
	}

	foundFmt := false

	// Walk chunks starting after the 12-byte RIFF/WAVE preamble. Chunks are
	// word-aligned; odd sizes carry one pad byte.
	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				info.BitsPerSample = int(binary.LittleEndian.Uint16(fmtData[14:16]))
				foundFmt = true
			}
		case "data":
			if !foundFmt {
				// fmt should precede data; assume telephony PCM if it did not.
				info.SampleRate = 8000
				info.Channels = 1
				info.BitsPerSample = 16
			}
			end := offset + 8 + chunkSize
			if end > len(wav) {
				end = len(wav)
			}
			return wav[offset+8 : end], info, nil
		}

		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return nil, info, errors.New("audio: WAV container missing data chunk")
}

// WrapWAV builds a minimal RIFF/WAVE container around 16-bit mono PCM.
// Used by tests and by the local ASR fallback when handing utterances to
// batch engines that insist on a container.
func WrapWAV(pcm []byte, sampleRate int) []byte {
	const headerLen = 44
	out := make([]byte, headerLen+len(pcm))

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], 1) // mono
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(sampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(out[32:34], 2)                    // block align
	binary.LittleEndian.PutUint16(out[34:36], 16)                   // bits per sample

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}
