package audio

// G.711 mu-law companding for the legacy SIP profile. Eight-bit code words
// halve the frame size on the wire: a 20 ms telephony frame is 160 bytes of
// mu-law against 320 bytes of linear PCM.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

var mulawCompressTable = [256]byte{
	0, 0, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 3, 3, 3, 3,
	4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4,
	5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5,
	5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
}

// EncodeMulaw compresses one 16-bit linear sample to an 8-bit mu-law code
// word per ITU-T G.711.
func EncodeMulaw(sample int16) byte {
	sign := byte(0)
	s := int32(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := mulawCompressTable[(s>>7)&0xFF]
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | (exponent << 4) | mantissa)
}

// DecodeMulaw expands an 8-bit mu-law code word back to 16-bit linear.
func DecodeMulaw(code byte) int16 {
	code = ^code
	sign := code & 0x80
	exponent := (code >> 4) & 0x07
	mantissa := code & 0x0F

	s := int32(mantissa)<<3 + mulawBias
	s <<= exponent
	s -= mulawBias
	if sign != 0 {
		s = -s
	}
	return int16(s)
}

// EncodeMulawPCM compresses little-endian 16-bit PCM to mu-law, halving
// the byte count. Odd trailing bytes are ignored.
func EncodeMulawPCM(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = EncodeMulaw(int16(sample16(pcm, i)))
	}
	return out
}

// DecodeMulawPCM expands mu-law code words to little-endian 16-bit PCM,
// doubling the byte count.
func DecodeMulawPCM(codes []byte) []byte {
	out := make([]byte, len(codes)*2)
	for i, c := range codes {
		put16(out, i, DecodeMulaw(c))
	}
	return out
}
