// Package audio provides the PCM helpers the voice pipeline needs: the
// half-rate downsampler for TTS output, RIFF/WAVE container stripping,
// G.711 mu-law companding for the legacy SIP profile, and frame utilities.
//
// All PCM is 16-bit signed little-endian mono unless a function says
// otherwise. Telephony frames are 20 ms: 320 bytes of linear PCM-16 or
// 160 bytes of mu-law at 8 kHz.
package audio

// sample16 reads the little-endian int16 at sample index i, returning 0 for
// out-of-range indexes so kernel edges fade to silence.
func sample16(pcm []byte, i int) int32 {
	if i < 0 || (i*2)+1 >= len(pcm) {
		return 0
	}
	return int32(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
}

// put16 writes v as little-endian int16 at sample index i.
func put16(pcm []byte, i int, v int16) {
	pcm[i*2] = byte(v)
	pcm[i*2+1] = byte(v >> 8)
}

// clamp16 saturates a 32-bit intermediate to the int16 range.
func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// DownsampleHalf halves the sample rate of 16-bit mono PCM, taking 16 kHz
// synthesis output down to telephony 8 kHz. Each output sample is a weighted
// average over four input samples centered on the even input index:
//
//	y[k] = (x[2k-1] + 2·x[2k] + 2·x[2k+1] + x[2k+2]) / 6
//
// saturated to int16. Out-of-range taps read as zero. N input samples
// produce exactly ⌊N/2⌋ output samples.
func DownsampleHalf(pcm []byte) []byte {
	srcSamples := len(pcm) / 2
	dstSamples := srcSamples / 2
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	for k := range dstSamples {
		i := 2 * k
		acc := sample16(pcm, i-1) +
			2*sample16(pcm, i) +
			2*sample16(pcm, i+1) +
			sample16(pcm, i+2)
		put16(out, k, clamp16(acc/6))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. Used by the local ASR fallback to lift 8 kHz
// telephony audio to the 16 kHz its model expects; the TTS return path uses
// [DownsampleHalf] instead, which implements the telephony-grade kernel.
// If srcRate == dstRate the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := sample16(pcm, srcIdx)
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = sample16(pcm, srcIdx+1)
		}

		put16(out, i, clamp16(int32(float64(s0)*(1-frac)+float64(s1)*frac)))
	}
	return out
}
